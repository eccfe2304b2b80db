package licenses

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var ActivationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "licensing",
	Subsystem: "activation",
	Name:      "requests_total",
	Help:      "Activation requests by outcome or rejection reason",
}, []string{"result"})

var VerificationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "licensing",
	Subsystem: "verification",
	Name:      "requests_total",
	Help:      "Verification requests by outcome or rejection reason",
}, []string{"result"})

var LicensesIssuedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "licensing",
	Subsystem: "registry",
	Name:      "issue_requests_total",
	Help:      "Issue-or-fetch calls, split into new licenses and duplicates",
}, []string{"result"})
