// Package stimulus raises interrupts on a schedule. On the host it stands in
// for buttons, sensors and bus traffic so the reference applications have
// something to react to.
//
// Schedules are cron expressions (robfig/cron, seconds optional) or plain
// intervals, which may be shorter than a second.
package stimulus
