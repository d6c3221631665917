package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"
)

const (
	baseURL = "http://localhost:8080"
)

func main() {
	// Wait for server to start
	time.Sleep(2 * time.Second)

	fmt.Println("Starting Integration Test...")

	steps := []struct {
		name    string
		method  string
		path    string
		payload interface{}
	}{
		{"Health", "GET", "/health", nil},
		{"Start session", "POST", "/session", map[string]interface{}{"cap": 200000}},
		{"Ingest documents", "POST", "/documents", map[string]interface{}{
			"documents": []map[string]interface{}{
				{
					"id":      fmt.Sprintf("doc-%d", time.Now().Unix()),
					"content": "Refunds are processed within five business days.",
					"metadata": map[string]interface{}{
						"category":  "faq",
						"tags":      []string{"refunds"},
						"timestamp": time.Now().UTC(),
					},
				},
			},
		}},
		{"Query retrieval", "POST", "/retrieval/query", map[string]interface{}{"text": "how long do refunds take", "k": 3}},
		{"Submit chat task", "POST", "/tasks", map[string]interface{}{
			"kind":  "chat",
			"input": map[string]string{"message": "How long do refunds take?"},
		}},
		{"Submit moderation task", "POST", "/tasks", map[string]interface{}{
			"kind":  "moderate",
			"input": map[string]string{"text": "Have a nice day"},
		}},
		{"Budget", "GET", "/budget", nil},
	}

	for i, step := range steps {
		fmt.Printf("%d. %s...\n", i+1, step.name)
		if !sendRequest(step.method, step.path, step.payload) {
			fmt.Printf("FAILED: %s\n", step.name)
			os.Exit(1)
		}
		fmt.Printf("PASSED: %s\n", step.name)
	}
}

func sendRequest(method, endpoint string, payload interface{}) bool {
	var body io.Reader
	if payload != nil {
		jsonBytes, _ := json.Marshal(payload)
		body = bytes.NewBuffer(jsonBytes)
	}

	req, err := http.NewRequest(method, baseURL+endpoint, body)
	if err != nil {
		fmt.Printf("Error creating request: %v\n", err)
		return false
	}
	req.Header.Set("Content-Type", "application/json")

	client := &http.Client{Timeout: time.Minute}
	resp, err := client.Do(req)
	if err != nil {
		fmt.Printf("Error sending request: %v\n", err)
		return false
	}
	defer resp.Body.Close()

	respBody, _ := io.ReadAll(resp.Body)
	if resp.StatusCode != http.StatusOK {
		fmt.Printf("Request failed with status %d: %s\n", resp.StatusCode, string(respBody))
		return false
	}
	fmt.Printf("Response: %s\n", string(respBody))

	return true
}
