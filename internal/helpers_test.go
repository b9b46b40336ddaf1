package internal_test

import (
	"encoding/json"
	"testing"

	"github.com/koopa0/armada-battleship/internal"
	"github.com/stretchr/testify/require"
)

// drain 取出 outbox 中目前所有訊息（不阻塞）
func drain(t *testing.T, c *internal.Client) []internal.Envelope {
	t.Helper()

	var out []internal.Envelope
	for {
		select {
		case raw, ok := <-c.Outbox():
			if !ok {
				return out
			}
			var env internal.Envelope
			require.NoError(t, json.Unmarshal(raw, &env))
			out = append(out, env)
		default:
			return out
		}
	}
}

func typesOf(envs []internal.Envelope) []string {
	types := make([]string, 0, len(envs))
	for _, e := range envs {
		types = append(types, e.Type)
	}
	return types
}

// find 找出第一則指定類型的訊息並解析 data
func find(t *testing.T, envs []internal.Envelope, msgType string, v any) bool {
	t.Helper()

	for _, e := range envs {
		if e.Type != msgType {
			continue
		}
		if v != nil {
			require.NoError(t, json.Unmarshal(e.Data, v))
		}
		return true
	}
	return false
}

func count(envs []internal.Envelope, msgType string) int {
	n := 0
	for _, e := range envs {
		if e.Type == msgType {
			n++
		}
	}
	return n
}

// cells 找出棋盤上符合條件的格子
func cells(g internal.Grid, match func(int) bool) [][2]int {
	var out [][2]int
	for x, row := range g {
		for y, c := range row {
			if match(c) {
				out = append(out, [2]int{x, y})
			}
		}
	}
	return out
}

func isShip(c int) bool  { return c > 0 }
func isEmpty(c int) bool { return c == internal.CellEmpty }
func isFired(c int) bool { return c < 0 }
