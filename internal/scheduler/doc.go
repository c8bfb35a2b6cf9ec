// Package scheduler decides which schedule entries are due.
//
// Time is kept in whole minutes shifted by the local zone offset ("virtual
// minutes"), so that calendar fields can be matched by decomposing the value
// in UTC. The Engine compares the wall clock with the last minute it handled
// and reacts to late wake-ups and clock changes without skipping or repeating
// fixed-time entries.
package scheduler
