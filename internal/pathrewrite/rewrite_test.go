package pathrewrite_test

import (
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/angeloszaimis/service-gateway/internal/pathrewrite"
	"github.com/angeloszaimis/service-gateway/internal/registry"
)

var _ = Describe("UpstreamPath", func() {
	plain := registry.Service{Name: "order-service"}
	routed := registry.Service{Name: "order-service", Routes: []string{"api/orders"}}
	preserved := registry.Service{Name: "order-service", Metadata: map[string]any{"preservePath": true}}
	noStrip := registry.Service{Name: "order-service", Metadata: map[string]any{"removePrefix": false}}

	DescribeTable("rewrites",
		func(svc registry.Service, in, want string) {
			Expect(pathrewrite.UpstreamPath(svc, in)).To(Equal(want))
		},
		Entry("strips the service prefix", plain, "/order/42", "/42"),
		Entry("keeps nested remainder", plain, "/order/42/items/1", "/42/items/1"),
		Entry("bare prefix becomes root", plain, "/order", "/"),
		Entry("prefix with trailing slash", plain, "/order/", "/"),
		Entry("no segment boundary", plain, "/orders/1", "/orders/1"),
		Entry("unrelated path falls back unchanged", plain, "/other/1", "/other/1"),
		Entry("underscore suffix", registry.Service{Name: "delivery_service"}, "/delivery/9", "/9"),
		Entry("explicit routes preserve the path", routed, "/api/orders/42", "/api/orders/42"),
		Entry("preservePath keeps the path", preserved, "/order/42", "/order/42"),
		Entry("removePrefix false keeps the path", noStrip, "/order/42", "/order/42"),
	)

	It("should be deterministic", func() {
		first := pathrewrite.UpstreamPath(plain, "/order/7")
		for i := 0; i < 10; i++ {
			Expect(pathrewrite.UpstreamPath(plain, "/order/7")).To(Equal(first))
		}
	})
})
