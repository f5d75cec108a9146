// Package simulator serves a fake IEEE 2030.5 smart meter over HTTP.
//
// It answers the same resources the bridge polls (/sdev and the
// /upt/{n}/mr/{n}/r readings) with XML in the 2030.5 namespace, so the
// bridge can be developed and demonstrated without a real meter:
//
//	meter2mqtt simulate --listen :8082 --sw-version 3.2.39
//
// Readings follow a random walk: demand drifts between 0 and 10 kW,
// the delivered and received totals integrate it over time, and the
// time-of-use tier changes with the hour of day.
package simulator
