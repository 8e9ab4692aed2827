// Package broker is the client side of the shared job broker.
//
// Every worker pool and the scheduler talk to the broker through the Broker
// interface. Delivery is at-least-once: a job leaves the broker only when it
// is acked or failed, and a dequeued job whose lease expires becomes visible
// again. Two drivers exist:
//   - "redis": durable, shared across processes (go-redis + Lua scripts)
//   - "memory": in-process, for tests and single-binary development runs
package broker
