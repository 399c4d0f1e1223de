package checkpointer

import (
	"fmt"
	"time"
)

// FilenameEnumerator returns a naming function whose filenames carry
// a counter suffix. The first call returns filename with suffix
// start+1, and every later call increments the suffix, so checkpoints
// are written to consecutive files filename1.bin, filename2.bin, and
// so on.
func FilenameEnumerator(start int, filename, extension string) func() string {
	i := start
	return func() string {
		i++
		return fmt.Sprintf("%v%v%v", filename, i, extension)
	}
}

// FileTimer returns a naming function whose filenames carry the
// current time in nanoseconds since the Unix epoch as a suffix, so
// each checkpoint is written to its own file without tracking a
// counter.
func FileTimer(filename, extension string) func() string {
	return func() string {
		return fmt.Sprintf("%v-%v%v", filename, time.Now().UnixNano(),
			extension)
	}
}
