// Package logs reads the daily log files parsewatch writes under
// paths.log_dir.
//
// Last returns the newest matching lines with bounded memory, and Follower
// streams new lines as they are appended, moving to the next day's file when
// the logger rolls over. Filters match structured JSON lines by job ID and
// level; console-formatted lines only match on a plain substring search.
package logs
