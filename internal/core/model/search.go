package model

import "time"

type Document struct {
	ID          string    `json:"id"`
	Title       string    `json:"title,omitempty"`
	Content     string    `json:"content"`
	Category    string    `json:"category,omitempty"`
	Tags        []string  `json:"tags,omitempty"`
	Timestamp   time.Time `json:"timestamp"`
	Embedding   []float32 `json:"embedding,omitempty"`
	ContentHash string    `json:"content_hash,omitempty"`
}

// DocumentPayload is the distribution format for retrieval documents.
type DocumentPayload struct {
	ID       string `json:"id"`
	Content  string `json:"content"`
	Metadata struct {
		Title     string    `json:"title,omitempty"`
		Category  string    `json:"category,omitempty"`
		Tags      []string  `json:"tags,omitempty"`
		Timestamp time.Time `json:"timestamp"`
	} `json:"metadata"`
}

func (p DocumentPayload) Document() Document {
	return Document{
		ID:        p.ID,
		Title:     p.Metadata.Title,
		Content:   p.Content,
		Category:  p.Metadata.Category,
		Tags:      p.Metadata.Tags,
		Timestamp: p.Metadata.Timestamp,
	}
}

type RetrievalResult struct {
	Document   Document `json:"document"`
	Similarity float64  `json:"similarity"` // cosine, in [-1, 1]
	Relevance  float64  `json:"relevance"`  // boosted score, >= Similarity, <= 1
}
