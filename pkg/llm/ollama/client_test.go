package ollama

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"atlas/pkg/llm"
)

func TestNew(t *testing.T) {
	tests := []struct {
		name    string
		hostURL string
		model   string
	}{
		{name: "valid host", hostURL: "http://localhost:11434", model: "llama3"},
		{name: "custom host", hostURL: "http://192.168.1.50:11434", model: "phi4:latest"},
		{name: "invalid URL falls back to default", hostURL: "not-a-url", model: "mistral:7b"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			client := New(tt.hostURL, tt.model)
			require.NotNil(t, client)
			assert.Equal(t, tt.model, client.ModelName())
		})
	}
}

func TestBuildRequest(t *testing.T) {
	client := New("http://localhost:11434", "llama3")

	in := llm.CompletionRequest{
		Messages: []llm.Message{
			llm.NewSystemMessage("be brief"),
			llm.NewUserMessage("hello"),
		},
		Temperature: 0.2,
		MaxTokens:   128,
	}

	req := client.buildRequest(in, true)
	require.Len(t, req.Messages, 2)
	assert.Equal(t, "system", req.Messages[0].Role)
	assert.Equal(t, "hello", req.Messages[1].Content)
	assert.Equal(t, "llama3", req.Model)
	require.NotNil(t, req.Stream)
	assert.True(t, *req.Stream)
	assert.Equal(t, 128, req.Options["num_predict"])
}

func TestStreamShutsDownWhenConsumerAbandons(t *testing.T) {
	// Serve one chunk, then hold the stream open until the client
	// cancels.
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/x-ndjson")
		_, _ = w.Write([]byte(`{"message":{"role":"assistant","content":"hello"},"done":false}` + "\n")) //nolint:errcheck
		w.(http.Flusher).Flush()
		<-r.Context().Done()
	}))
	defer srv.Close()

	client := New(srv.URL, "llama3")
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ch, err := client.Stream(ctx, llm.NewCompletionRequest([]llm.Message{llm.NewUserMessage("hi")}))
	require.NoError(t, err)

	chunk := <-ch
	assert.Equal(t, "hello", chunk.Content)

	// Cancel and stop reading. The producer must close the channel on
	// its own rather than block on a send nobody will receive.
	cancel()
	time.Sleep(50 * time.Millisecond)

	select {
	case chunk, ok := <-ch:
		if ok {
			t.Fatalf("producer still sending after cancel: %+v", chunk)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("stream channel not closed after consumer abandoned it")
	}
}
