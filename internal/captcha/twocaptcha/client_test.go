package twocaptcha

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/consulta-orchestrator/internal/captcha"
	"github.com/JakeFAU/consulta-orchestrator/internal/consulta"
	"github.com/JakeFAU/consulta-orchestrator/internal/policy/ratelimit"
)

type fakeAPI struct {
	mu         sync.Mutex
	submitResp apiResponse
	pollResps  []apiResponse
	submitForm map[string]string
	pollQuery  map[string]string
}

func (f *fakeAPI) handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/in.php", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		_ = r.ParseForm()
		f.mu.Lock()
		f.submitForm = flatten(r.PostForm)
		resp := f.submitResp
		f.mu.Unlock()
		_ = json.NewEncoder(w).Encode(resp)
	})
	mux.HandleFunc("/res.php", func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		f.pollQuery = flatten(r.URL.Query())
		resp := apiResponse{Status: 0, Request: notReady}
		if len(f.pollResps) > 0 {
			resp = f.pollResps[0]
			f.pollResps = f.pollResps[1:]
		}
		f.mu.Unlock()
		_ = json.NewEncoder(w).Encode(resp)
	})
	return mux
}

func flatten(values map[string][]string) map[string]string {
	out := make(map[string]string, len(values))
	for k, v := range values {
		if len(v) > 0 {
			out[k] = v[0]
		}
	}
	return out
}

func newTestClient(t *testing.T, api *fakeAPI) *Client {
	t.Helper()
	srv := httptest.NewServer(api.handler())
	t.Cleanup(srv.Close)
	client, err := New(Config{APIKey: "secret", BaseURL: srv.URL}, srv.Client(), ratelimit.New(ratelimit.Config{}))
	require.NoError(t, err)
	return client
}

func TestSubmitWithAction(t *testing.T) {
	t.Parallel()

	api := &fakeAPI{submitResp: apiResponse{Status: 1, Request: "4242"}}
	client := newTestClient(t, api)

	handle, err := client.Submit(context.Background(), consulta.Challenge{
		SiteKey: "6Lfh-site",
		PageURL: "https://reportes.sisben.gov.co/dnp_sisbenconsulta",
		Action:  "submit",
	})
	require.NoError(t, err)
	require.Equal(t, "4242", handle)
	require.Equal(t, "secret", api.submitForm["key"])
	require.Equal(t, "userrecaptcha", api.submitForm["method"])
	require.Equal(t, "6Lfh-site", api.submitForm["googlekey"])
	require.Equal(t, "submit", api.submitForm["action"])
	require.Equal(t, "v3", api.submitForm["version"])
	require.Equal(t, "1", api.submitForm["json"])
}

func TestSubmitPlainChallengeOmitsAction(t *testing.T) {
	t.Parallel()

	api := &fakeAPI{submitResp: apiResponse{Status: 1, Request: "7"}}
	client := newTestClient(t, api)

	_, err := client.Submit(context.Background(), consulta.Challenge{SiteKey: "k", PageURL: "https://x"})
	require.NoError(t, err)
	_, hasAction := api.submitForm["action"]
	require.False(t, hasAction)
}

func TestSubmitRejected(t *testing.T) {
	t.Parallel()

	api := &fakeAPI{submitResp: apiResponse{Status: 0, Request: "ERROR_WRONG_USER_KEY"}}
	client := newTestClient(t, api)

	_, err := client.Submit(context.Background(), consulta.Challenge{SiteKey: "k", PageURL: "https://x"})
	require.ErrorIs(t, err, captcha.ErrVendorRejected)
	require.Contains(t, err.Error(), "ERROR_WRONG_USER_KEY")
}

func TestPollStatuses(t *testing.T) {
	t.Parallel()

	api := &fakeAPI{pollResps: []apiResponse{
		{Status: 0, Request: notReady},
		{Status: 1, Request: "token-abc"},
		{Status: 0, Request: "ERROR_CAPTCHA_UNSOLVABLE"},
	}}
	client := newTestClient(t, api)
	ctx := context.Background()

	res, err := client.Poll(ctx, "4242")
	require.NoError(t, err)
	require.Equal(t, captcha.PollNotReady, res.Status)
	require.Equal(t, "get", api.pollQuery["action"])
	require.Equal(t, "4242", api.pollQuery["id"])

	res, err = client.Poll(ctx, "4242")
	require.NoError(t, err)
	require.Equal(t, captcha.PollReady, res.Status)
	require.Equal(t, "token-abc", res.Token)

	res, err = client.Poll(ctx, "4242")
	require.NoError(t, err)
	require.Equal(t, captcha.PollFailed, res.Status)
	require.Equal(t, "ERROR_CAPTCHA_UNSOLVABLE", res.Detail)
}

func TestPollServerError(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	t.Cleanup(srv.Close)
	client, err := New(Config{APIKey: "k", BaseURL: srv.URL}, srv.Client(), nil)
	require.NoError(t, err)

	_, err = client.Poll(context.Background(), "1")
	require.Error(t, err)
}

func TestNewRequiresKey(t *testing.T) {
	t.Parallel()

	_, err := New(Config{}, nil, nil)
	require.Error(t, err)
}

type recordingWaiter struct {
	mu   sync.Mutex
	urls []string
	err  error
}

func (w *recordingWaiter) Wait(_ context.Context, rawURL string) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.urls = append(w.urls, rawURL)
	return w.err
}

func TestCallsArePacedPerEndpoint(t *testing.T) {
	t.Parallel()

	api := &fakeAPI{
		submitResp: apiResponse{Status: 1, Request: "77"},
		pollResps:  []apiResponse{{Status: 1, Request: "tok"}},
	}
	srv := httptest.NewServer(api.handler())
	t.Cleanup(srv.Close)
	waiter := &recordingWaiter{}
	client, err := New(Config{APIKey: "k", BaseURL: srv.URL + "/"}, srv.Client(), waiter)
	require.NoError(t, err)

	handle, err := client.Submit(context.Background(), consulta.Challenge{SiteKey: "s", PageURL: "https://x"})
	require.NoError(t, err)
	_, err = client.Poll(context.Background(), handle)
	require.NoError(t, err)

	require.Equal(t, []string{srv.URL + "/in.php", srv.URL + "/res.php"}, waiter.urls)
}

func TestWaiterErrorSkipsRequest(t *testing.T) {
	t.Parallel()

	api := &fakeAPI{submitResp: apiResponse{Status: 1, Request: "77"}}
	srv := httptest.NewServer(api.handler())
	t.Cleanup(srv.Close)
	waiter := &recordingWaiter{err: context.DeadlineExceeded}
	client, err := New(Config{APIKey: "k", BaseURL: srv.URL}, srv.Client(), waiter)
	require.NoError(t, err)

	_, err = client.Submit(context.Background(), consulta.Challenge{SiteKey: "s", PageURL: "https://x"})
	require.ErrorIs(t, err, context.DeadlineExceeded)
	api.mu.Lock()
	defer api.mu.Unlock()
	require.Nil(t, api.submitForm)
}
