package users

import "github.com/prometheus/client_golang/prometheus"

var usersCreated = prometheus.NewCounter(prometheus.CounterOpts{
	Namespace: "escrowbot",
	Subsystem: "users",
	Name:      "created_total",
	Help:      "Users registered on first contact.",
})

func init() {
	prometheus.MustRegister(usersCreated)
}
