package remote

import (
	"context"
	"net/http"
	"strconv"
	"time"
)

const (
	HeaderDeviceID  = "X-Device-ID"
	HeaderTaskID    = "X-Task-ID"
	HeaderTimestamp = "X-Timestamp"
	HeaderSignature = "X-Signature"
)

// Signer is the device credential used to authenticate outbound requests.
type Signer interface {
	ID() string
	MAC(msg []byte) string
}

type taskKey struct{}

// WithTaskID tags ctx so requests made under it are signed for taskID.
func WithTaskID(ctx context.Context, taskID string) context.Context {
	return context.WithValue(ctx, taskKey{}, taskID)
}

func taskIDFrom(ctx context.Context) string {
	id, _ := ctx.Value(taskKey{}).(string)
	return id
}

// SignaturePayload is the message a request signature covers.
func SignaturePayload(taskID, deviceID, timestamp string) []byte {
	return []byte(taskID + "|" + deviceID + "|" + timestamp)
}

type signingTransport struct {
	base   http.RoundTripper
	signer Signer
	clock  func() time.Time
}

func (t *signingTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	req = req.Clone(req.Context())
	deviceID := t.signer.ID()
	taskID := taskIDFrom(req.Context())
	ts := strconv.FormatInt(t.clock().UnixMilli(), 10)

	req.Header.Set(HeaderDeviceID, deviceID)
	req.Header.Set(HeaderTimestamp, ts)
	if taskID != "" {
		req.Header.Set(HeaderTaskID, taskID)
	}
	req.Header.Set(HeaderSignature, t.signer.MAC(SignaturePayload(taskID, deviceID, ts)))
	return t.base.RoundTrip(req)
}

// NewSigningClient returns an http.Client that signs every request with the
// device credentials. Pass it to llm.NewClient so provider dispatches carry
// the same headers as control-plane calls.
func NewSigningClient(signer Signer, base *http.Client, clock func() time.Time) *http.Client {
	if base == nil {
		base = &http.Client{}
	}
	rt := base.Transport
	if rt == nil {
		rt = http.DefaultTransport
	}
	if clock == nil {
		clock = time.Now
	}
	c := *base
	c.Transport = &signingTransport{base: rt, signer: signer, clock: clock}
	return &c
}
