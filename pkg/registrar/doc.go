// Package registrar is the client side of the gateway's management API.
//
// Backends use it to announce themselves at startup, to withdraw on shutdown
// and to keep a registration alive across gateway restarts. Registration is
// retried with a constant backoff and every call to the gateway passes through
// a circuit breaker, so a gateway that is down for a long time is not hammered
// by every backend at once.
//
// Usage:
//
//	client := registrar.New("http://gateway:3000", registrar.WithLogger(log))
//	reg := registrar.Registration{
//	    Name:   "order-service",
//	    URL:    "http://orders:8081",
//	    Routes: []string{"/api/orders"},
//	}
//	if err := client.Register(ctx, reg); err != nil {
//	    return err
//	}
//	go client.RunBeacon(ctx, reg)
//	defer client.Deregister(context.Background(), reg.Name)
package registrar
