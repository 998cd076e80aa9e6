// Package recovery records device and driver faults and drives them back to
// health, or to isolation, using strategies ranked by learned success
// probability.
//
// Faults are classified into a category and matched against a pattern keyed
// by (category, device capability class). Each pattern keeps an
// exponentially smoothed success probability per strategy. Candidates are
// tried from most to least likely; Isolate is always last and terminal.
//
// A successful attempt is provisional. If the device reports again within
// the escalation window, the report folds into the same record, the
// previous attempt is marked failed and the next strategy is tried. A record
// that stays quiet for the window is closed Resolved by Sweep.
package recovery
