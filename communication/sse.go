package communication

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"io"
	"strings"
)

// ServerEvent 服务端事件流中的一条事件
type ServerEvent struct {
	ID    string
	Event string
	Data  string
}

// Decode 把 data 字段解析为 JSON
func (e ServerEvent) Decode(v any) error {
	return json.Unmarshal([]byte(e.Data), v)
}

// ReadServerEvents 逐行解析 text/event-stream，每遇到空行分发一条事件。
// 读到 EOF 时返回 nil。
func ReadServerEvents(ctx context.Context, r io.Reader, out chan<- ServerEvent) error {
	reader := bufio.NewReader(r)
	var (
		current ServerEvent
		data    []string
	)

	dispatch := func() bool {
		if len(data) == 0 && current.Event == "" {
			return true
		}
		current.Data = strings.Join(data, "\n")
		if current.Event == "" {
			current.Event = "message"
		}
		select {
		case out <- current:
		case <-ctx.Done():
			return false
		}
		current = ServerEvent{ID: current.ID}
		data = data[:0]
		return true
	}

	for {
		line, err := reader.ReadString('\n')
		if err != nil && !errors.Is(err, io.EOF) {
			return err
		}
		eof := errors.Is(err, io.EOF)

		line = strings.TrimRight(line, "\r\n")
		switch {
		case line == "":
			if !dispatch() {
				return ctx.Err()
			}
		case strings.HasPrefix(line, ":"):
			// 注释行，用作心跳
		default:
			field, value, _ := strings.Cut(line, ":")
			value = strings.TrimPrefix(value, " ")
			switch field {
			case "event":
				current.Event = value
			case "data":
				data = append(data, value)
			case "id":
				current.ID = value
			}
		}

		if eof {
			if len(data) > 0 {
				dispatch()
			}
			return nil
		}
	}
}
