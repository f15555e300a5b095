package store

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"v2tester_nexus/internal/model"
	"v2tester_nexus/internal/shared/logger"
)

const (
	delimiter = "|"
	numFields = 5 // Fingerprint|Protocol|Host|Failures|BlacklistedAt
)

// BlacklistRecord 是黑名单文件中的一行。
type BlacklistRecord struct {
	Fingerprint string         `json:"fingerprint"`
	Protocol    model.Protocol `json:"protocol"`
	Host        string         `json:"host"`
	Failures    int            `json:"failures"`
	At          time.Time      `json:"at"`
}

// FileBlacklist 实现按行追加的黑名单持久化。运行期间只追加，不重写。
type FileBlacklist struct {
	filePath string
	mu       sync.Mutex
	file     *os.File
	writer   *bufio.Writer
}

func NewFileBlacklist(filePath string) *FileBlacklist {
	return &FileBlacklist{filePath: filePath}
}

// Load 读取已有的黑名单，用于跨运行预置。缺失文件视为空。
// 以 '#' 开头的行和格式错误的行会被跳过。
func (fb *FileBlacklist) Load() (map[string]BlacklistRecord, error) {
	fb.mu.Lock()
	defer fb.mu.Unlock()

	l := logger.WithComponent("Store")

	file, err := os.Open(fb.filePath)
	if err != nil {
		if os.IsNotExist(err) {
			l.Info().Str("path", fb.filePath).Msg("Blacklist file not found, starting empty.")
			return make(map[string]BlacklistRecord), nil
		}
		return nil, err
	}
	defer file.Close()

	records := make(map[string]BlacklistRecord)
	scanner := bufio.NewScanner(file)
	lineNum := 0
	for scanner.Scan() {
		lineNum++
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		fields := strings.Split(line, delimiter)
		if len(fields) != numFields {
			l.Warn().Int("line", lineNum).Int("expected", numFields).Int("got", len(fields)).Msg("Skipping malformed line in blacklist file.")
			continue
		}
		rec, err := parseRecord(fields)
		if err != nil {
			l.Warn().Int("line", lineNum).Err(err).Msg("Failed to parse blacklist line, skipping.")
			continue
		}
		records[rec.Fingerprint] = rec
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}

	l.Info().Int("count", len(records)).Msg("Loaded blacklist from file.")
	return records, nil
}

// Append 追加一条记录并立即刷盘。
func (fb *FileBlacklist) Append(rec BlacklistRecord) error {
	fb.mu.Lock()
	defer fb.mu.Unlock()

	if fb.file == nil {
		if dir := filepath.Dir(fb.filePath); dir != "" {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return err
			}
		}
		f, err := os.OpenFile(fb.filePath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return err
		}
		fb.file, fb.writer = f, bufio.NewWriter(f)
	}
	if _, err := fb.writer.WriteString(formatRecord(rec) + "\n"); err != nil {
		return err
	}
	return fb.writer.Flush()
}

func (fb *FileBlacklist) Close() error {
	fb.mu.Lock()
	defer fb.mu.Unlock()
	if fb.file == nil {
		return nil
	}
	flushErr := fb.writer.Flush()
	closeErr := fb.file.Close()
	fb.file, fb.writer = nil, nil
	if flushErr != nil {
		return flushErr
	}
	return closeErr
}

func formatRecord(r BlacklistRecord) string {
	return strings.Join([]string{
		r.Fingerprint,
		string(r.Protocol),
		strings.ReplaceAll(r.Host, delimiter, " "),
		strconv.Itoa(r.Failures),
		strconv.FormatInt(r.At.Unix(), 10),
	}, delimiter)
}

func parseRecord(fields []string) (BlacklistRecord, error) {
	if fields[0] == "" {
		return BlacklistRecord{}, fmt.Errorf("empty fingerprint")
	}
	failures, err := strconv.Atoi(fields[3])
	if err != nil {
		return BlacklistRecord{}, fmt.Errorf("invalid failures: %w", err)
	}
	at, err := strconv.ParseInt(fields[4], 10, 64)
	if err != nil {
		return BlacklistRecord{}, fmt.Errorf("invalid timestamp: %w", err)
	}
	rec := BlacklistRecord{
		Fingerprint: fields[0],
		Protocol:    model.Protocol(fields[1]),
		Host:        fields[2],
		Failures:    failures,
	}
	if at > 0 {
		rec.At = time.Unix(at, 0)
	}
	return rec, nil
}
