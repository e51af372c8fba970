package store

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestClient(t *testing.T, handler http.HandlerFunc, opts ...Option) *Client {
	t.Helper()
	ts := httptest.NewServer(handler)
	t.Cleanup(ts.Close)
	c, err := New(ts.URL+"/labbcat", ts.Client(), opts...)
	require.NoError(t, err)
	return c
}

func respondJSON(body string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, body)
	}
}

func TestSendEmptyErrorsAndMessagesAreNil(t *testing.T) {
	c := newTestClient(t, respondJSON(`{"model":{"result":"abc"},"errors":[],"messages":[]}`))

	resp := c.Send(context.Background(), Request{Operation: "getId"})

	assert.Nil(t, resp.Errors)
	assert.Nil(t, resp.Messages)
	assert.Equal(t, `"abc"`, string(resp.Result))
	assert.Equal(t, "abc", resp.Text())
	assert.NoError(t, resp.Err())
}

func TestSendKeepsFalsyResults(t *testing.T) {
	cases := map[string]string{
		`{"model":{"result":0,"other":1}}`:     `0`,
		`{"model":{"result":false,"other":1}}`: `false`,
		`{"model":{"result":"","other":1}}`:    `""`,
	}
	for body, want := range cases {
		c := newTestClient(t, respondJSON(body))
		resp := c.Send(context.Background(), Request{Operation: "countMatchingAnnotations"})
		require.Nil(t, resp.Errors, body)
		assert.Equal(t, want, string(resp.Result), body)
	}
}

func TestSendFallsBackToWholeModel(t *testing.T) {
	for _, body := range []string{
		`{"model":{"id":"t1","name":"x"}}`,
		`{"model":{"id":"t1","name":"x","result":null}}`,
	} {
		c := newTestClient(t, respondJSON(body))
		resp := c.Send(context.Background(), Request{Operation: "getTranscript"})
		require.Nil(t, resp.Errors)

		var model map[string]any
		require.NoError(t, resp.Decode(&model))
		assert.Equal(t, "t1", model["id"])
	}
}

func TestSendPassesServerErrorsThrough(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		_, _ = io.WriteString(w, `{"model":null,"errors":["Invalid corpus: xyz"],"messages":["checked"]}`)
	})

	resp := c.Send(context.Background(), Request{Operation: "getCorpusIds"})

	assert.Equal(t, []string{"Invalid corpus: xyz"}, resp.Errors)
	assert.Equal(t, []string{"checked"}, resp.Messages)
	assert.Nil(t, resp.Result)
	var respErr *ResponseError
	require.ErrorAs(t, resp.Err(), &respErr)
	assert.Equal(t, http.StatusBadRequest, respErr.StatusCode)
	assert.False(t, respErr.NotFound())
}

func TestSendMalformedBodyEmbedsParseErrorAndBody(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		_, _ = io.WriteString(w, "<html>404 Not Found</html>")
	})

	resp := c.Send(context.Background(), Request{Operation: "missing"})

	require.Len(t, resp.Errors, 1)
	assert.True(t, strings.HasPrefix(resp.Errors[0], "invalid character"))
	assert.True(t, strings.HasSuffix(resp.Errors[0], ": <html>404 Not Found</html>"))
	assert.Nil(t, resp.Result)
	assert.True(t, IsNotFound(resp.Err()))
}

func TestSendRawReturnsLiteralBody(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, "transcript,line\nAP511,1\n")
	})

	resp := c.Send(context.Background(), Request{URL: "api/results", Raw: true})

	assert.Nil(t, resp.Errors)
	assert.Nil(t, resp.Messages)
	assert.Equal(t, "transcript,line\nAP511,1\n", resp.Text())
}

func TestSendTransportFailure(t *testing.T) {
	ts := httptest.NewServer(http.NotFoundHandler())
	url := ts.URL
	ts.Close()

	c, err := New(url, &http.Client{Timeout: 2 * time.Second})
	require.NoError(t, err)

	resp := c.Send(context.Background(), Request{Operation: "getId"})

	require.Len(t, resp.Errors, 1)
	assert.True(t, strings.HasPrefix(resp.Errors[0], "failed: "), resp.Errors[0])
	assert.Zero(t, resp.StatusCode)
}

func TestSendCancelled(t *testing.T) {
	c := newTestClient(t, respondJSON(`{"model":{}}`))
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	resp := c.Send(ctx, Request{Operation: "getId"})

	assert.Equal(t, []string{"cancelled"}, resp.Errors)
	var respErr *ResponseError
	require.ErrorAs(t, resp.Err(), &respErr)
	assert.True(t, respErr.Cancelled())
}

func TestSendQueryStringRepeatsListKeysAndSetsHeaders(t *testing.T) {
	var got *http.Request
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		got = r.Clone(context.Background())
		respondJSON(`{"model":{"result":[]}}`)(w, r)
	}, WithCredentials("labbcat", "secret"), WithLanguage("es-AR"))

	resp := c.Send(context.Background(), Request{
		Operation: "getMatchingAnnotations",
		Params: Params{
			"id":        []string{"ew_0_1", "ew_0_2"},
			"pageSize":  10,
			"ascending": false,
		},
	})
	require.Nil(t, resp.Errors)

	assert.Equal(t, "/labbcat/api/store/getMatchingAnnotations", got.URL.Path)
	assert.Equal(t, []string{"ew_0_1", "ew_0_2"}, got.URL.Query()["id"])
	assert.Equal(t, "10", got.URL.Query().Get("pageSize"))
	assert.Equal(t, "false", got.URL.Query().Get("ascending"))
	user, pass, ok := got.BasicAuth()
	require.True(t, ok)
	assert.Equal(t, "labbcat", user)
	assert.Equal(t, "secret", pass)
	assert.Equal(t, "es-AR", got.Header.Get("Accept-Language"))
}

func TestSendContextCredentialsOverrideClient(t *testing.T) {
	var user string
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		user, _, _ = r.BasicAuth()
		respondJSON(`{"model":{}}`)(w, r)
	}, WithCredentials("service", "pw"))

	ctx := WithRequestCredentials(context.Background(), "alice", "pw2")
	c.Send(ctx, Request{Operation: "getId"})

	assert.Equal(t, "alice", user)
}

func TestSendFormAndJSONBodies(t *testing.T) {
	var form map[string][]string
	var payload map[string]any
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		switch r.Header.Get("Content-Type") {
		case "application/json":
			_ = json.NewDecoder(r.Body).Decode(&payload)
		default:
			require.NoError(t, r.ParseForm())
			form = r.PostForm
		}
		respondJSON(`{"model":{}}`)(w, r)
	})

	c.Send(context.Background(), Request{URL: "api/task/1", Method: http.MethodPost, Params: Params{"layer": []any{"a", "b"}}})
	c.Send(context.Background(), Request{URL: "api/thing", Method: http.MethodPut, Encoding: EncodingJSON, Params: Params{"n": 3}})

	assert.Equal(t, []string{"a", "b"}, form["layer"])
	assert.EqualValues(t, 3, payload["n"])
}

func TestSendRawBodyKeepsParamsInQuery(t *testing.T) {
	var (
		body        string
		contentType string
		query       map[string][]string
	)
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		raw, _ := io.ReadAll(r.Body)
		body = string(raw)
		contentType = r.Header.Get("Content-Type")
		query = r.URL.Query()
		respondJSON(`{"model":{"result":"ok"}}`)(w, r)
	})

	resp := c.Send(context.Background(), Request{
		URL:         "api/edit/transcript/raw",
		Method:      http.MethodPost,
		Encoding:    EncodingRaw,
		Body:        strings.NewReader("<ANNOTATION_DOCUMENT/>"),
		ContentType: "application/xml",
		Params:      Params{"id": "AP511.eaf", "layer": []string{"word", "pos"}},
	})

	require.NoError(t, resp.Err())
	assert.Equal(t, "<ANNOTATION_DOCUMENT/>", body)
	assert.Equal(t, "application/xml", contentType)
	assert.Equal(t, []string{"AP511.eaf"}, query["id"])
	assert.Equal(t, []string{"word", "pos"}, query["layer"])
}

func TestResponseErrorNotFound(t *testing.T) {
	cases := []struct {
		name string
		err  ResponseError
		want bool
	}{
		{"status 404", ResponseError{StatusCode: http.StatusNotFound, Errors: []string{"missing"}}, true},
		{"status 400 with 404 inside a number", ResponseError{StatusCode: http.StatusBadRequest, Errors: []string{"Invalid media file: AP4041.wav"}}, false},
		{"status 500 mentioning 404", ResponseError{StatusCode: http.StatusInternalServerError, Errors: []string{"upstream said 404"}}, false},
		{"no status, 404 token", ResponseError{Errors: []string{"failed: 404 page not found"}}, true},
		{"no status, Not Found words", ResponseError{Errors: []string{"failed: Not Found"}}, true},
		{"no status, 404 inside a number", ResponseError{Errors: []string{"failed: dial tcp 10.0.0.1:4040"}}, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, tc.err.NotFound())
		})
	}
}

func TestSendMultipartStreamsFilesAndReportsProgress(t *testing.T) {
	var fields map[string][]string
	var fileNames []string
	var content string
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseMultipartForm(1<<20))
		defer func() { _ = r.MultipartForm.RemoveAll() }()
		fields = r.MultipartForm.Value
		for _, hdr := range r.MultipartForm.File["transcript"] {
			fileNames = append(fileNames, hdr.Filename)
			f, err := hdr.Open()
			require.NoError(t, err)
			b, _ := io.ReadAll(f)
			_ = f.Close()
			content = string(b)
		}
		respondJSON(`{"model":{"result":"ok"}}`)(w, r)
	})

	var sent int64
	resp := c.Send(context.Background(), Request{
		URL:      "api/edit/transcript/upload",
		Method:   http.MethodPost,
		Encoding: EncodingMultipart,
		Params: Params{
			"merge":      false,
			"transcript": FileFrom(NewBytesSource("AP511.eaf", []byte("<ANNOTATION_DOCUMENT/>"))),
		},
		Progress: func(n, total int64) {
			sent = n
			assert.Equal(t, int64(-1), total)
		},
	})

	require.Nil(t, resp.Errors)
	assert.Equal(t, []string{"false"}, fields["merge"])
	assert.Equal(t, []string{"AP511.eaf"}, fileNames)
	assert.Equal(t, "<ANNOTATION_DOCUMENT/>", content)
	assert.Positive(t, sent)
}

func TestSendJSONRejectsFiles(t *testing.T) {
	c := newTestClient(t, respondJSON(`{"model":{}}`))

	resp := c.Send(context.Background(), Request{
		URL:      "api/x",
		Method:   http.MethodPost,
		Encoding: EncodingJSON,
		Params:   Params{"f": FileFrom(NewBytesSource("a", nil))},
	})

	require.Len(t, resp.Errors, 1)
	assert.Contains(t, resp.Errors[0], "requires multipart encoding")
}

func TestEndpointResolvesAgainstBase(t *testing.T) {
	c, err := New("https://example.org/labbcat", nil)
	require.NoError(t, err)

	assert.Equal(t, "https://example.org/labbcat/", c.BaseURL())
	assert.Equal(t, "https://example.org/labbcat/api/task/42", c.Endpoint("/api/task/42"))
}

func TestObserverReceivesOperationAndStatus(t *testing.T) {
	var gotOp string
	var gotStatus int
	c := newTestClient(t, respondJSON(`{"model":{}}`), WithObserver(func(op string, status int, _ time.Duration) {
		gotOp, gotStatus = op, status
	}))

	c.Send(context.Background(), Request{Operation: "getLayerIds"})

	assert.Equal(t, "getLayerIds", gotOp)
	assert.Equal(t, http.StatusOK, gotStatus)
}
