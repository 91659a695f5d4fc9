package metrics

import "time"

// Gate decision labels.
const (
	DecisionContinue   = "continue"
	DecisionQueryLogin = "query_login"
	DecisionReject     = "reject"
	DecisionRedirect   = "redirect"
	DecisionError      = "error"
)

// GateDecision records one access gate outcome.
func GateDecision(decision string) {
	GateDecisionsTotal.WithLabelValues(decision).Inc()
}

// HeadersInjected records a successful header injection
func HeadersInjected() {
	HeaderInjectionsTotal.WithLabelValues("success").Inc()
}

// HeadersFailed records a header injection failure, which clears the session.
func HeadersFailed() {
	HeaderInjectionsTotal.WithLabelValues("failure").Inc()
	SessionsCleared.WithLabelValues("header_failure").Inc()
}

// BackendCall records a backend call and its latency.
func BackendCall(backend, operation string, duration time.Duration, err error) {
	status := "success"
	if err != nil {
		status = "failure"
	}
	BackendRequestsTotal.WithLabelValues(backend, operation, status).Inc()
	BackendRequestDuration.WithLabelValues(backend, operation).Observe(duration.Seconds())
}

// SessionCreated records a new session
func SessionCreated(source string) {
	SessionsCreated.WithLabelValues(source).Inc()
}

// SessionLoggedOut records an explicit logout
func SessionLoggedOut() {
	SessionsCleared.WithLabelValues("logout").Inc()
}
