package config

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/pflag"
)

// Seconds is a pflag.Value for durations given as a bare number of seconds.
// Go duration strings such as "1m30s" are accepted too. String renders a
// Go duration so viper decodes a bound flag into time.Duration.
type Seconds time.Duration

// SecondsVar defines a Seconds flag with the given default.
func SecondsVar(f *pflag.FlagSet, name string, def time.Duration, usage string) {
	s := Seconds(def)
	f.Var(&s, name, usage)
}

func (s *Seconds) String() string {
	return time.Duration(*s).String()
}

func (s *Seconds) Set(v string) error {
	v = strings.TrimSpace(v)
	var d time.Duration
	if n, err := strconv.Atoi(v); err == nil {
		d = time.Duration(n) * time.Second
	} else {
		parsed, perr := time.ParseDuration(v)
		if perr != nil {
			return fmt.Errorf("expected seconds, got %q", v)
		}
		d = parsed
	}
	if d < 0 {
		return fmt.Errorf("must not be negative: %q", v)
	}
	*s = Seconds(d)
	return nil
}

func (s *Seconds) Type() string {
	return "seconds"
}
