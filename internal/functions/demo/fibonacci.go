// Package demo provides example plugin callbacks mirroring the original
// implementation's demos/fibonacci sample conversation.
package demo

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/pyckup/call-e/internal/functions"
	"github.com/pyckup/call-e/internal/telephony"
)

func fibonacci(n int) []int {
	if n <= 0 {
		return nil
	}
	fib := []int{0, 1}
	for len(fib) < n {
		fib = append(fib, fib[len(fib)-1]+fib[len(fib)-2])
	}
	return fib
}

// RegisterFibonacci wires the "fibonacci" plugin module's two callbacks into
// reg: read_fibonacci speaks the sequence extracted under "num_fibonacci";
// play_music attaches a local file player for a few seconds.
func RegisterFibonacci(reg *functions.Registry, musicPath string) {
	reg.Register("fibonacci", "read_fibonacci", func(info map[string]*string, session functions.SessionHandle) (string, error) {
		raw := info["num_fibonacci"]
		if raw == nil {
			return "", fmt.Errorf("fibonacci: num_fibonacci not yet extracted")
		}
		n, err := strconv.Atoi(strings.TrimSpace(*raw))
		if err != nil {
			return "", fmt.Errorf("fibonacci: parse num_fibonacci: %w", err)
		}
		nums := fibonacci(n)
		parts := make([]string, len(nums))
		for i, v := range nums {
			parts[i] = strconv.Itoa(v)
		}
		return strings.Join(parts, " "), nil
	})

	reg.Register("fibonacci", "play_music", func(info map[string]*string, session functions.SessionHandle) (string, error) {
		sess, ok := session.(*telephony.Session)
		if !ok {
			return "", fmt.Errorf("fibonacci: session handle is not *telephony.Session")
		}
		if err := sess.PlayAudio(musicPath, false); err != nil {
			return "", err
		}
		time.Sleep(5 * time.Second)
		sess.StopAudio()
		return "", nil
	})
}
