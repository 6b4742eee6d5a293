package storage

// Package storage persists the scheduling state:
//   - Reminder records read by the engine each tick
//   - Notified-marks keyed by occurrence, so a delivered notification is
//     suppressed across overlapping ticks and restarts
