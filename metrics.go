package main

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	connectionsCurrent = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "gw_connections_current",
			Help: "Current number of gateway sockets",
		},
	)

	identifyTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gw_identify_total",
			Help: "IDENTIFY attempts by result",
		},
		[]string{"result"},
	)

	eventsDelivered = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gw_events_delivered_total",
			Help: "Events handed to local sockets by op",
		},
		[]string{"op"},
	)

	busPublished = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gw_bus_published_total",
			Help: "Events published to the cluster bus by op",
		},
		[]string{"op"},
	)

	busReceived = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gw_bus_received_total",
			Help: "Events received from the cluster bus by op",
		},
		[]string{"op"},
	)

	closesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gw_closes_total",
			Help: "Server-initiated closes by code",
		},
		[]string{"code"},
	)
)
