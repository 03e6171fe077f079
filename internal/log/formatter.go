package log

import (
	"fmt"
	"sort"
	"strings"

	"github.com/sirupsen/logrus"
)

type formatter struct {
	pattern string
	time    string
}

// Format renders entry through the pattern. Supported verbs are %time, %level,
// %field, %msg, %caller and %func.
func (f *formatter) Format(entry *logrus.Entry) ([]byte, error) {
	output := f.pattern
	output = strings.Replace(output, "%time", entry.Time.Format(f.time), 1)
	output = strings.Replace(output, "%level", strings.ToUpper(entry.Level.String()), 1)
	output = strings.Replace(output, "%field", buildFields(entry), 1)
	output = strings.Replace(output, "%msg", entry.Message, 1)
	output = strings.Replace(output, "%caller", getCaller(entry), 1)
	output = strings.Replace(output, "%func", getFunc(entry), 1)
	return []byte(output), nil
}

// getCaller returns package/file.go:line, or "-" when caller reporting is off.
func getCaller(entry *logrus.Entry) string {
	if !entry.HasCaller() {
		return "-"
	}
	file := entry.Caller.File
	if idx := strings.LastIndex(file, "/"); idx != -1 && idx+1 < len(file) {
		file = file[idx+1:]
	}
	pkg := ""
	if fn := entry.Caller.Function; fn != "" {
		if slash := strings.LastIndex(fn, "/"); slash != -1 {
			fn = fn[slash+1:]
		}
		if dot := strings.Index(fn, "."); dot != -1 {
			pkg = fn[:dot]
		}
	}
	return fmt.Sprintf("%s/%s:%d", pkg, file, entry.Caller.Line)
}

func getFunc(entry *logrus.Entry) string {
	if !entry.HasCaller() {
		return "-"
	}
	funcName := entry.Caller.Function
	if idx := strings.LastIndex(funcName, "."); idx != -1 && idx+1 < len(funcName) {
		return funcName[idx+1:]
	}
	return funcName
}

func buildFields(entry *logrus.Entry) string {
	if len(entry.Data) == 0 {
		return ""
	}
	keys := make([]string, 0, len(entry.Data))
	for key := range entry.Data {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	fields := make([]string, 0, len(keys))
	for _, key := range keys {
		val := entry.Data[key]
		stringVal, ok := val.(string)
		if !ok {
			stringVal = fmt.Sprint(val)
		}
		fields = append(fields, key+"="+stringVal)
	}
	return strings.Join(fields, ",")
}
