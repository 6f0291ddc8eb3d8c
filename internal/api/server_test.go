package api

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/goccy/go-json"
	"github.com/labstack/echo/v5"

	"github.com/samcharles93/gpt2fwd/internal/logits"
	"github.com/samcharles93/gpt2fwd/internal/model"
)

func tinyConfig() model.Config {
	return model.Config{
		EmbeddingDim:          8,
		NumBlocks:             1,
		NumHeads:              2,
		VocabSize:             17,
		MaxPositionEmbeddings: 4,
		LayerNormEpsilon:      1e-5,
		FFNMultiplier:         4,
		AttentionTile:         64,
	}
}

func newTestModel(t *testing.T) *model.Model {
	t.Helper()
	p, err := model.NewRandomParameters(tinyConfig(), 42)
	if err != nil {
		t.Fatalf("NewRandomParameters: %v", err)
	}
	m, err := model.New(p)
	if err != nil {
		t.Fatalf("model.New: %v", err)
	}
	return m
}

type failingForwarder struct {
	err error
}

func (f failingForwarder) Config() model.Config { return tinyConfig() }

func (f failingForwarder) ForwardAt([]int, int) ([]float32, error) { return nil, f.err }

func newTestEcho(fwd Forwarder, store *ResultStore) *echo.Echo {
	server := NewServer(fwd, store, nil)
	e := echo.New()
	server.Register(e)
	return e
}

func doJSON(t *testing.T, e *echo.Echo, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	return rec
}

func decodeError(t *testing.T, rec *httptest.ResponseRecorder) ResponseError {
	t.Helper()
	var body struct {
		Error ResponseError `json:"error"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode error body: %v (%s)", err, rec.Body.String())
	}
	return body.Error
}

func TestForwardReturnsArgmaxAndTopK(t *testing.T) {
	t.Parallel()
	m := newTestModel(t)
	e := newTestEcho(m, nil)

	rec := doJSON(t, e, http.MethodPost, "/v1/forward", `{"tokens":[1,2,3],"top_k":3,"include_logits":true}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("status %d body=%s", rec.Code, rec.Body.String())
	}
	var resp ForwardResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !strings.HasPrefix(resp.ID, "fwd-") {
		t.Fatalf("id %q lacks fwd- prefix", resp.ID)
	}
	if resp.VocabSize != 17 || len(resp.Logits) != 17 || resp.Tokens != 3 {
		t.Fatalf("unexpected sizes: vocab %d logits %d tokens %d", resp.VocabSize, len(resp.Logits), resp.Tokens)
	}

	want, err := m.Forward([]int{1, 2, 3})
	if err != nil {
		t.Fatal(err)
	}
	if resp.NextToken != logits.Argmax(want) {
		t.Fatalf("next_token %d, want %d", resp.NextToken, logits.Argmax(want))
	}
	if len(resp.Top) != 3 || resp.Top[0].Token != resp.NextToken {
		t.Fatalf("top %v does not start with next_token %d", resp.Top, resp.NextToken)
	}
	for i := range want {
		if resp.Logits[i] != want[i] {
			t.Fatalf("logit %d = %v, want %v", i, resp.Logits[i], want[i])
		}
	}
}

func TestForwardDefaultsAndStore(t *testing.T) {
	t.Parallel()
	store := NewResultStore(8)
	e := newTestEcho(newTestModel(t), store)

	rec := doJSON(t, e, http.MethodPost, "/v1/forward", `{"tokens":[4]}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("status %d body=%s", rec.Code, rec.Body.String())
	}
	var created ForwardResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &created); err != nil {
		t.Fatal(err)
	}
	if len(created.Top) != DefaultTopK || created.Logits != nil {
		t.Fatalf("defaults not applied: top %d logits %d", len(created.Top), len(created.Logits))
	}

	getRec := doJSON(t, e, http.MethodGet, "/v1/forward/"+created.ID, "")
	if getRec.Code != http.StatusOK {
		t.Fatalf("get status %d body=%s", getRec.Code, getRec.Body.String())
	}
	var fetched ForwardResponse
	if err := json.Unmarshal(getRec.Body.Bytes(), &fetched); err != nil {
		t.Fatal(err)
	}
	if fetched.ID != created.ID || fetched.NextToken != created.NextToken {
		t.Fatalf("fetched %+v, want %+v", fetched, created)
	}

	delRec := doJSON(t, e, http.MethodDelete, "/v1/forward/"+created.ID, "")
	if delRec.Code != http.StatusOK {
		t.Fatalf("delete status %d", delRec.Code)
	}
	if rec := doJSON(t, e, http.MethodGet, "/v1/forward/"+created.ID, ""); rec.Code != http.StatusNotFound {
		t.Fatalf("get after delete: status %d", rec.Code)
	}
	if rec := doJSON(t, e, http.MethodDelete, "/v1/forward/"+created.ID, ""); rec.Code != http.StatusNotFound {
		t.Fatalf("second delete: status %d", rec.Code)
	}

	rec = doJSON(t, e, http.MethodPost, "/v1/forward", `{"tokens":[4],"store":false}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("status %d", rec.Code)
	}
	if store.Len() != 0 {
		t.Fatalf("store holds %d results after store=false", store.Len())
	}
}

func TestForwardValidation(t *testing.T) {
	t.Parallel()
	e := newTestEcho(newTestModel(t), nil)
	tests := []struct {
		name  string
		body  string
		param string
	}{
		{"empty tokens", `{"tokens":[]}`, "tokens"},
		{"missing tokens", `{}`, "tokens"},
		{"token too large", `{"tokens":[1,17]}`, "tokens"},
		{"negative token", `{"tokens":[-1]}`, "tokens"},
		{"too long", `{"tokens":[1,2,3,4,5]}`, "tokens"},
		{"past overflow", `{"tokens":[1,2],"past_length":3}`, "tokens"},
		{"negative past", `{"tokens":[1],"past_length":-1}`, "past_length"},
		{"negative top_k", `{"tokens":[1],"top_k":-2}`, "top_k"},
		{"malformed json", `{"tokens":[1,`, ""},
	}
	for _, tc := range tests {
		rec := doJSON(t, e, http.MethodPost, "/v1/forward", tc.body)
		if rec.Code != http.StatusBadRequest {
			t.Errorf("%s: status %d, want 400 (body=%s)", tc.name, rec.Code, rec.Body.String())
			continue
		}
		got := decodeError(t, rec)
		if got.Type != "invalid_request_error" || got.Message == "" || got.Param != tc.param {
			t.Errorf("%s: error %+v", tc.name, got)
		}
	}
}

func TestForwardAtContextLimit(t *testing.T) {
	t.Parallel()
	e := newTestEcho(newTestModel(t), nil)
	rec := doJSON(t, e, http.MethodPost, "/v1/forward", `{"tokens":[1,2],"past_length":2,"top_k":100}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("status %d body=%s", rec.Code, rec.Body.String())
	}
	var resp ForwardResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	if len(resp.Top) != 17 || resp.PastLength != 2 {
		t.Fatalf("top %d past %d", len(resp.Top), resp.PastLength)
	}
}

func TestForwardErrorMapping(t *testing.T) {
	t.Parallel()
	tests := []struct {
		err    error
		status int
	}{
		{model.ErrReleased, http.StatusServiceUnavailable},
		{errors.New("boom"), http.StatusInternalServerError},
	}
	for _, tc := range tests {
		e := newTestEcho(failingForwarder{err: tc.err}, nil)
		rec := doJSON(t, e, http.MethodPost, "/v1/forward", `{"tokens":[1]}`)
		if rec.Code != tc.status {
			t.Errorf("%v: status %d, want %d", tc.err, rec.Code, tc.status)
		}
	}
}

func TestModelAndHealth(t *testing.T) {
	t.Parallel()
	e := newTestEcho(newTestModel(t), nil)

	rec := doJSON(t, e, http.MethodGet, "/healthz", "")
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), `"ok"`) {
		t.Fatalf("healthz: %d %s", rec.Code, rec.Body.String())
	}

	rec = doJSON(t, e, http.MethodGet, "/v1/model", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("model: status %d", rec.Code)
	}
	var resp ModelResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	if resp.Config != tinyConfig() || resp.HeadDim != 4 || resp.ParameterCount != tinyConfig().ParameterCount() {
		t.Fatalf("unexpected model response %+v", resp)
	}
}
