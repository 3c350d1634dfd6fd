package ttime

import (
	"database/sql/driver"
	"fmt"
	"strings"
	"time"

	"github.com/goccy/go-json"
)

const (
	LayoutDateTime = "2006-01-02 15:04:05"
	LayoutDate     = "2006-01-02"
)

// TimeFormat 本地时区、无偏移的时间列；JSON 与 DB 都用 LayoutDateTime
type TimeFormat struct {
	time.Time
}

func Now() *TimeFormat { return &TimeFormat{Time: time.Now()} }

func Of(t time.Time) *TimeFormat {
	if t.IsZero() {
		return nil
	}
	return &TimeFormat{Time: t}
}

func (m TimeFormat) String() string {
	if m.IsZero() {
		return ""
	}
	return m.In(time.Local).Format(LayoutDateTime)
}

/************** JSON **************/

func (m TimeFormat) MarshalJSON() ([]byte, error) {
	return json.Marshal(m.String())
}

func (m *TimeFormat) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return fmt.Errorf("TimeFormat: %w", err)
	}
	t, err := Parse(s)
	if err != nil {
		return err
	}
	m.Time = t
	return nil
}

/************** SQL **************/

func (m *TimeFormat) Scan(value any) error {
	switch v := value.(type) {
	case nil:
		m.Time = time.Time{}
		return nil
	case time.Time:
		m.Time = v.In(time.Local)
		return nil
	case string:
		t, err := Parse(v)
		m.Time = t
		return err
	case []byte:
		t, err := Parse(string(v))
		m.Time = t
		return err
	}
	return fmt.Errorf("TimeFormat Scan: unsupported src type %T", value)
}

// Value 写库用本地时区字符串；零值写 NULL
func (m TimeFormat) Value() (driver.Value, error) {
	if m.IsZero() {
		return nil, nil
	}
	return m.String(), nil
}

/************** 解析 **************/

var zoned = []string{time.RFC3339Nano, "2006-01-02 15:04:05.999999999Z07:00", "2006-01-02 15:04:05 -0700"}

var local = []string{"2006-01-02 15:04:05.999999999", LayoutDateTime, LayoutDate}

// Parse 空串与 MySQL 零值返回零时间；带偏移的格式保留偏移后转本地
func Parse(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	if s == "" || s == "null" || strings.HasPrefix(s, "0000-00-00") {
		return time.Time{}, nil
	}
	for _, l := range zoned {
		if t, err := time.Parse(l, s); err == nil {
			return t.In(time.Local), nil
		}
	}
	for _, l := range local {
		if t, err := time.ParseInLocation(l, s, time.Local); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("ttime: cannot parse %q", s)
}
