// Package worker is the agent side of taskrelay: it keeps one session open to
// the gateway and runs the tasks it receives.
//
// # Lifecycle
//
// Client.Run drives a loop of Disconnected, Connecting, Registering and Active.
// Any failure tears the session down (heartbeat included), waits the reconnect
// interval and starts again, until the context passed to Run ends.
//
// Registration waits a bounded time for register_ack. An IDENTITY_CONFLICT
// answer retries with "<client_id>-NNNN" a limited number of times; any other
// failure ends the attempt with a *RegistrationError. When no ack arrives in
// time the client assumes it is registered and carries on.
//
// # Execution
//
// Gate admits one task at a time. A task arriving while another runs is
// answered with DEVICE_BUSY straight away. Tasks run on their own goroutine so
// the session keeps reading, and their results go out over whichever session
// is active when they finish.
package worker
