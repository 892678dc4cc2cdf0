// Package roastlog records roasts: a start/pause/resume timer, periodic
// samples of the device state while the timer runs, and first/second
// crack marks.
//
// Samples and events are stored through a Repository (SQLite in
// production) and optionally written to InfluxDB. Listeners registered
// with OnSample receive each sample after it is stored.
//
// Timer states:
//
//	idle --Toggle--> running --Toggle--> paused --Toggle--> running
//	  ^                                                        |
//	  +------------------------- Reset ------------------------+
//
// Reset ends the current roast. The next Toggle begins a new one.
package roastlog
