package main

import (
	"fyne.io/fyne/v2"
)

// onMainThread schedules a widget update on the Fyne thread.
// Widgets must not be touched from the monitor goroutine directly, so the
// callback should capture copies and return quickly.
func onMainThread(callback func()) {
	if callback == nil {
		return
	}
	fyne.Do(callback)
}
