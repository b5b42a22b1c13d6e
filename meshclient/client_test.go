package meshclient

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

// fakeMesh scripts the generation service: upload, task creation, an SSE
// progress feed, the final payload and the model download.
type fakeMesh struct {
	mu          sync.Mutex
	uploadCalls int

	uploadStatus int // non-zero forces this status on upload
	uploadBody   string
	feedLines    []string
	finalStatus  string
	finalError   string
	modelData    []byte

	srv *httptest.Server
}

func newFakeMesh() *fakeMesh {
	f := &fakeMesh{
		feedLines: []string{
			`data: {"status":"processing","progress":20,"created_at":1}`,
			`data: {"status":"processing","progress":20,"created_at":1}`,
			`data: {"status":"processing","progress":60,"created_at":2}`,
			`data: {"status":"succeeded","progress":100,"created_at":3}`,
		},
		finalStatus: "succeeded",
		modelData:   []byte("glTF-binary-bytes"),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("POST /v1/uploads", func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		f.uploadCalls++
		status, body := f.uploadStatus, f.uploadBody
		f.mu.Unlock()
		if status != 0 {
			http.Error(w, body, status)
			return
		}
		if body != "" {
			fmt.Fprint(w, body)
			return
		}
		fmt.Fprint(w, `{"upload_id":"u-1"}`)
	})
	mux.HandleFunc("POST /v1/image-to-3d", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"task_id":"t-1"}`)
	})
	mux.HandleFunc("GET /v1/image-to-3d/t-1/events", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		for _, line := range f.feedLines {
			fmt.Fprint(w, line+"\n\n")
		}
	})
	mux.HandleFunc("GET /v1/image-to-3d/t-1", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintf(w, `{"status":%q,"model_url":%q,"content_type":"model/gltf-binary","error":%q}`,
			f.finalStatus, f.srv.URL+"/models/t-1", f.finalError)
	})
	mux.HandleFunc("GET /models/t-1", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "model/gltf-binary")
		w.Write(f.modelData)
	})

	f.srv = httptest.NewServer(mux)
	return f
}

func (f *fakeMesh) calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.uploadCalls
}

func testImage(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "chair.png")
	if err := os.WriteFile(path, []byte("png-bytes"), 0644); err != nil {
		t.Fatalf("failed to write test image: %v", err)
	}
	return path
}

// testClient wires a client against the fake service with sleeps recorded
// instead of slept.
func testClient(t *testing.T, f *fakeMesh) (*Client, *[]time.Duration) {
	t.Helper()
	t.Cleanup(f.srv.Close)

	c := New(Config{BaseURL: f.srv.URL, APIKey: "test-key", ArtifactDir: t.TempDir()})
	var sleeps []time.Duration
	c.sleep = func(d time.Duration) { sleeps = append(sleeps, d) }
	return c, &sleeps
}

func TestSubmitSuccess(t *testing.T) {
	f := newFakeMesh()
	c, _ := testClient(t, f)

	var reported []int
	ref, err := c.Submit(context.Background(), testImage(t), Params{ArtStyle: "realistic"}, func(p int) {
		reported = append(reported, p)
	})

	assert.NoError(t, err)
	assert.Equal(t, int64(len(f.modelData)), ref.Size)
	assert.Equal(t, "model/gltf-binary", ref.ContentType)
	data, readErr := os.ReadFile(ref.Path)
	assert.NoError(t, readErr)
	assert.Equal(t, f.modelData, data)

	// duplicate feed events are suppressed, progress only moves forward
	assert.Equal(t, []int{20, 60, 100}, reported)
	assert.Equal(t, 1, f.calls())
}

func TestProgressNeverDecreases(t *testing.T) {
	f := newFakeMesh()
	f.feedLines = []string{
		`data: {"status":"processing","progress":50,"created_at":1}`,
		`data: {"status":"processing","progress":30,"created_at":2}`,
		`data: {"status":"succeeded","progress":100,"created_at":3}`,
	}
	c, _ := testClient(t, f)

	var reported []int
	_, err := c.Submit(context.Background(), testImage(t), Params{}, func(p int) {
		reported = append(reported, p)
	})
	assert.NoError(t, err)
	assert.Equal(t, []int{50, 100}, reported)
}

func TestAuthenticationIsNeverRetried(t *testing.T) {
	f := newFakeMesh()
	f.uploadStatus = http.StatusUnauthorized
	f.uploadBody = "invalid api key"
	c, sleeps := testClient(t, f)

	_, err := c.Submit(context.Background(), testImage(t), Params{}, nil)

	var typed *Error
	assert.ErrorAs(t, err, &typed)
	assert.Equal(t, KindAuthentication, typed.Kind)
	assert.Equal(t, 1, f.calls())
	assert.Empty(t, *sleeps)
}

func TestValidationIsNeverRetried(t *testing.T) {
	f := newFakeMesh()
	f.uploadStatus = http.StatusUnprocessableEntity
	f.uploadBody = "unsupported image format"
	c, sleeps := testClient(t, f)

	_, err := c.Submit(context.Background(), testImage(t), Params{}, nil)

	var typed *Error
	assert.ErrorAs(t, err, &typed)
	assert.Equal(t, KindValidation, typed.Kind)
	assert.Equal(t, 1, f.calls())
	assert.Empty(t, *sleeps)
}

func TestRateLimitBackoffSchedule(t *testing.T) {
	f := newFakeMesh()
	f.uploadStatus = http.StatusTooManyRequests
	f.uploadBody = "rate limit exceeded"
	c, sleeps := testClient(t, f)

	_, err := c.Submit(context.Background(), testImage(t), Params{}, nil)

	var typed *Error
	assert.ErrorAs(t, err, &typed)
	assert.Equal(t, KindRateLimit, typed.Kind)
	assert.Equal(t, DefaultBatchAttempts, f.calls())
	assert.Equal(t, []time.Duration{60 * time.Second, 120 * time.Second}, *sleeps)
}

func TestTimeoutSurfacesAfterCeiling(t *testing.T) {
	f := newFakeMesh()
	f.uploadStatus = http.StatusGatewayTimeout
	f.uploadBody = "upstream timed out"
	c, sleeps := testClient(t, f)

	_, err := c.Submit(context.Background(), testImage(t), Params{}, nil)

	var typed *Error
	assert.ErrorAs(t, err, &typed)
	assert.Equal(t, KindTimeout, typed.Kind)
	assert.Equal(t, 3, f.calls())
	// linear schedule: 30*(attempt+1)
	assert.Equal(t, []time.Duration{30 * time.Second, 60 * time.Second}, *sleeps)
}

func TestTransientRetriesWithGenericCeiling(t *testing.T) {
	f := newFakeMesh()
	f.uploadStatus = http.StatusServiceUnavailable
	f.uploadBody = "service overloaded"
	c, _ := testClient(t, f)

	_, err := c.Submit(context.Background(), testImage(t), Params{}, nil)

	var typed *Error
	assert.ErrorAs(t, err, &typed)
	assert.Equal(t, KindTransient, typed.Kind)
	assert.Equal(t, DefaultBatchAttempts, f.calls())
}

func TestUnknownRetriesExactlyOnce(t *testing.T) {
	f := newFakeMesh()
	f.uploadBody = "{not json at all"
	c, _ := testClient(t, f)

	_, err := c.Submit(context.Background(), testImage(t), Params{}, nil)

	var typed *Error
	assert.ErrorAs(t, err, &typed)
	assert.Equal(t, KindUnknown, typed.Kind)
	assert.Equal(t, 2, f.calls())
}

func TestStandaloneCeilingIsHigher(t *testing.T) {
	f := newFakeMesh()
	f.uploadStatus = http.StatusTooManyRequests
	f.uploadBody = "rate limit exceeded"
	c, sleeps := testClient(t, f)

	_, err := c.SubmitStandalone(context.Background(), testImage(t), Params{}, nil)

	assert.Error(t, err)
	assert.Equal(t, DefaultStandaloneAttempts, f.calls())
	assert.Equal(t, []time.Duration{
		60 * time.Second, 120 * time.Second, 240 * time.Second, 480 * time.Second,
	}, *sleeps)
}

func TestFailedTaskReportsServiceError(t *testing.T) {
	f := newFakeMesh()
	f.feedLines = []string{`data: {"status":"failed","progress":10,"created_at":1}`}
	f.finalStatus = "failed"
	f.finalError = "mesh reconstruction failed: bad geometry"
	c, _ := testClient(t, f)

	_, err := c.Submit(context.Background(), testImage(t), Params{}, nil)
	assert.Error(t, err)
}

func TestClassifyPriorityOrder(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want ErrorKind
	}{
		{"auth marker", errors.New("request unauthorized"), KindAuthentication},
		{"auth status", &apiError{status: 403, body: "nope"}, KindAuthentication},
		{"rate limit status", &apiError{status: 429, body: "slow down"}, KindRateLimit},
		{"rate limit marker", errors.New("quota exhausted"), KindRateLimit},
		{"deadline", context.DeadlineExceeded, KindTimeout},
		{"timeout marker beats 5xx", &apiError{status: 504, body: "gateway timed out"}, KindTimeout},
		{"server error", &apiError{status: 500, body: "oops"}, KindTransient},
		{"client error", &apiError{status: 404, body: "no such upload"}, KindValidation},
		{"anything else", errors.New("EOF"), KindUnknown},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, Classify(tc.err))
		})
	}
}
