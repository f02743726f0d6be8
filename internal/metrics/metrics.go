// SPDX-License-Identifier: MIT

// Package metrics registers the prometheus collectors of the server.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	playlistMutations = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "karaqueue_playlist_mutations_total",
		Help: "Playlist mutations by operation",
	}, []string{"op"})

	subscribers = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "karaqueue_playlist_subscribers",
		Help: "Currently registered playlist subscribers",
	})

	searchRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "karaqueue_search_requests_total",
		Help: "Search index queries by outcome",
	}, []string{"outcome"}) // outcome=success|parse_error|error

	wsConnections = promauto.NewCounter(prometheus.CounterOpts{
		Name: "karaqueue_ws_connections_total",
		Help: "Accepted websocket connections",
	})
)

// PlaylistMutation counts one successful playlist mutation.
func PlaylistMutation(op string) {
	playlistMutations.WithLabelValues(op).Inc()
}

// SetSubscribers records the current subscriber count.
func SetSubscribers(n int) {
	subscribers.Set(float64(n))
}

// SearchRequest counts one search query by outcome.
func SearchRequest(outcome string) {
	searchRequests.WithLabelValues(outcome).Inc()
}

// WSConnection counts one accepted websocket connection.
func WSConnection() {
	wsConnections.Inc()
}
