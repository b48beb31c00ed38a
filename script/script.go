// Package script 把 funscript JSON 或两列 CSV 转换为时间轴。
package script

import (
	"bytes"
	"context"
	"encoding/csv"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"motionsync/define"
	"motionsync/timeline"
)

// 远程脚本的大小上限
const maxScriptBytes = 32 << 20

// Document 解析后的脚本，尚未排序和反转
type Document struct {
	ID         string            `json:"id"`
	Actions    []timeline.Action `json:"actions"`
	Inverted   bool              `json:"inverted"`
	LoadedFrom string            `json:"loadedFrom"`
}

type funscript struct {
	Actions  []timeline.Action `json:"actions"`
	Inverted bool              `json:"inverted"`
	Range    int               `json:"range"`
}

// Timeline 构建不可变时间轴，空脚本返回 TimelineError
func (d Document) Timeline(opts timeline.Options) (*timeline.Timeline, error) {
	return timeline.New(d.Actions, d.Inverted, d.LoadedFrom, opts)
}

// ParseFunscript 解析 funscript JSON。range 小于 100 时把位置按比例放大到 0..100
func ParseFunscript(data []byte, source string) (Document, error) {
	var fs funscript
	if err := json.Unmarshal(data, &fs); err != nil {
		return Document{}, &define.TimelineError{Source: source, Err: fmt.Errorf("funscript 格式错误：%w", err)}
	}
	if len(fs.Actions) == 0 {
		return Document{}, &define.TimelineError{Source: source, Err: define.ErrEmptyTimeline}
	}
	if fs.Range > 0 && fs.Range < 100 {
		for i := range fs.Actions {
			fs.Actions[i].Pos = fs.Actions[i].Pos * 100 / fs.Range
		}
	}
	return newDocument(fs.Actions, fs.Inverted, source), nil
}

// ParseCSV 解析 "at,pos" 两列 CSV，表头可选，空行和 # 开头的行忽略
func ParseCSV(r io.Reader, source string) (Document, error) {
	reader := csv.NewReader(r)
	reader.FieldsPerRecord = -1
	reader.Comment = '#'
	reader.TrimLeadingSpace = true

	var actions []timeline.Action
	line := 0
	for {
		record, err := reader.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		line++
		if err != nil {
			return Document{}, &define.TimelineError{Source: source, Err: fmt.Errorf("CSV 第 %d 行读取失败：%w", line, err)}
		}
		if len(record) < 2 {
			return Document{}, &define.TimelineError{Source: source, Err: fmt.Errorf("CSV 第 %d 行需要两列", line)}
		}

		at, errAt := strconv.ParseFloat(strings.TrimSpace(record[0]), 64)
		pos, errPos := strconv.ParseFloat(strings.TrimSpace(record[1]), 64)
		if errAt != nil || errPos != nil {
			if line == 1 {
				continue // 表头
			}
			return Document{}, &define.TimelineError{Source: source, Err: fmt.Errorf("CSV 第 %d 行不是数字: %v", line, record)}
		}
		actions = append(actions, timeline.Action{At: int(at), Pos: int(pos)})
	}

	if len(actions) == 0 {
		return Document{}, &define.TimelineError{Source: source, Err: define.ErrEmptyTimeline}
	}
	return newDocument(actions, false, source), nil
}

// Parse 按扩展名选择格式，没有扩展名时根据内容判断
func Parse(data []byte, source string) (Document, error) {
	switch strings.ToLower(filepath.Ext(stripQuery(source))) {
	case ".csv":
		return ParseCSV(bytes.NewReader(data), source)
	case ".funscript", ".json":
		return ParseFunscript(data, source)
	}
	if trimmed := bytes.TrimSpace(data); len(trimmed) > 0 && trimmed[0] == '{' {
		return ParseFunscript(data, source)
	}
	return ParseCSV(bytes.NewReader(data), source)
}

// LoadFile 读取本地脚本
func LoadFile(path string) (Document, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Document{}, fmt.Errorf("读取脚本 %s 失败：%w", path, err)
	}
	return Parse(data, path)
}

// LoadURL 下载远程脚本
func LoadURL(ctx context.Context, client *http.Client, url string) (Document, error) {
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return Document{}, fmt.Errorf("创建请求失败：%w", err)
	}
	resp, err := client.Do(req)
	if err != nil {
		return Document{}, fmt.Errorf("下载脚本失败：%w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return Document{}, fmt.Errorf("下载脚本失败: %s 返回 %d", url, resp.StatusCode)
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxScriptBytes))
	if err != nil {
		return Document{}, fmt.Errorf("读取脚本内容失败：%w", err)
	}
	return Parse(data, url)
}

// Load 根据来源是 URL 还是路径选择加载方式
func Load(ctx context.Context, source string) (Document, error) {
	if strings.HasPrefix(source, "http://") || strings.HasPrefix(source, "https://") {
		return LoadURL(ctx, nil, source)
	}
	return LoadFile(source)
}

func newDocument(actions []timeline.Action, inverted bool, source string) Document {
	return Document{ID: uuid.NewString(), Actions: actions, Inverted: inverted, LoadedFrom: source}
}

func stripQuery(source string) string {
	if i := strings.IndexAny(source, "?#"); i >= 0 {
		return source[:i]
	}
	return source
}
