// Package pathrewrite computes the path a request is forwarded with.
package pathrewrite

import (
	"strings"

	"github.com/angeloszaimis/service-gateway/internal/registry"
)

// UpstreamPath maps the gateway-facing path to the path sent to svc.
//
// Services that preserve paths or claim explicit routes receive the path
// unchanged. Otherwise the derived service prefix ("/order" for
// "order-service") is stripped: "/order/42" becomes "/42" and "/order"
// becomes "/". Paths outside the prefix pass through untouched.
func UpstreamPath(svc registry.Service, path string) string {
	if svc.PreservePath() || len(svc.Routes) > 0 || !svc.RemovePrefix() {
		return path
	}

	prefix := "/" + registry.ServicePath(svc.Name)
	rest, ok := strings.CutPrefix(path, prefix)
	if !ok {
		return path
	}

	switch {
	case rest == "":
		return "/"
	case strings.HasPrefix(rest, "/"):
		return rest
	default:
		// "/orders" does not belong to "/order".
		return path
	}
}
