package backend

import (
	"net/http"
	"net/http/httputil"
)

// PreDispatchFunc adjusts the outbound request before it is sent.
type PreDispatchFunc func(pr *httputil.ProxyRequest)

// PostResponseFunc observes or decorates the upstream response before it is
// streamed to the client.
type PostResponseFunc func(resp *http.Response)

// FailureFunc handles a request that produced no upstream response. It owns
// writing the client response.
type FailureFunc func(w http.ResponseWriter, r *http.Request, err error)

// Hooks is the ordered pipeline run around a forwarded request. Each stage
// runs its functions in slice order.
type Hooks struct {
	PreDispatch  []PreDispatchFunc
	PostResponse []PostResponseFunc
	OnFailure    []FailureFunc
}

func (h Hooks) RunPreDispatch(pr *httputil.ProxyRequest) {
	for _, fn := range h.PreDispatch {
		fn(pr)
	}
}

func (h Hooks) RunPostResponse(resp *http.Response) {
	for _, fn := range h.PostResponse {
		fn(resp)
	}
}

// RunFailure runs the failure stage, answering 502 when it is empty.
func (h Hooks) RunFailure(w http.ResponseWriter, r *http.Request, err error) {
	if len(h.OnFailure) == 0 {
		w.WriteHeader(http.StatusBadGateway)
		return
	}
	for _, fn := range h.OnFailure {
		fn(w, r, err)
	}
}
