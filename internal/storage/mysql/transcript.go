package mysql

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

const memoryTranscriptCap = 4096

// TranscriptRecord 表示一次已完成轮次的归档记录。
type TranscriptRecord struct {
	ID                int64   `json:"id"`
	SessionID         string  `json:"session_id"`
	UserID            string  `json:"user_id"`
	Input             string  `json:"input"`
	Response          string  `json:"response"`
	Intent            string  `json:"intent,omitempty"`
	Confidence        float64 `json:"confidence,omitempty"`
	Plan              string  `json:"plan,omitempty"`
	Success           bool    `json:"success"`
	NeedsConfirmation bool    `json:"needs_confirmation"`
	Error             string  `json:"error,omitempty"`
	CreatedAt         int64   `json:"created_at"`
}

// TranscriptRepository 抽象轮次归档的持久化接口。
type TranscriptRepository interface {
	Save(ctx context.Context, record *TranscriptRecord) error
	ListBySession(ctx context.Context, sessionID string, limit int) ([]TranscriptRecord, error)
	Close() error
}

// MemoryTranscriptRepository 以追加写 JSONL 文件保存归档，进程内保留最近的记录。
type MemoryTranscriptRepository struct {
	mu       sync.RWMutex
	dataFile string
	records  []TranscriptRecord
	nextID   int64
}

var _ TranscriptRepository = (*MemoryTranscriptRepository)(nil)

// NewMemoryTranscriptRepository 创建归档仓库，dataDir 为空时使用当前目录。
func NewMemoryTranscriptRepository(dataDir string) (*MemoryTranscriptRepository, error) {
	if dataDir == "" {
		dataDir = "."
	}
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return nil, fmt.Errorf("创建数据目录失败: %w", err)
	}
	repo := &MemoryTranscriptRepository{dataFile: filepath.Join(dataDir, "transcripts.jsonl")}
	if err := repo.loadFromDisk(); err != nil {
		return nil, err
	}
	return repo, nil
}

// Save 追加一条记录并分配自增 ID。
func (m *MemoryTranscriptRepository) Save(_ context.Context, record *TranscriptRecord) error {
	if record == nil || strings.TrimSpace(record.SessionID) == "" {
		return fmt.Errorf("归档记录缺少 session_id")
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	m.nextID++
	record.ID = m.nextID

	encoded, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("序列化归档记录失败: %w", err)
	}
	file, err := os.OpenFile(m.dataFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("打开归档文件失败: %w", err)
	}
	defer file.Close()
	if _, err := file.Write(append(encoded, '\n')); err != nil {
		return fmt.Errorf("写入归档文件失败: %w", err)
	}

	m.records = append(m.records, *record)
	if overflow := len(m.records) - memoryTranscriptCap; overflow > 0 {
		m.records = append([]TranscriptRecord(nil), m.records[overflow:]...)
	}
	return nil
}

// ListBySession 按时间倒序返回会话的归档记录。
func (m *MemoryTranscriptRepository) ListBySession(_ context.Context, sessionID string, limit int) ([]TranscriptRecord, error) {
	if limit <= 0 {
		limit = 20
	}
	m.mu.RLock()
	defer m.mu.RUnlock()

	results := make([]TranscriptRecord, 0, limit)
	for i := len(m.records) - 1; i >= 0 && len(results) < limit; i-- {
		if m.records[i].SessionID == sessionID {
			results = append(results, m.records[i])
		}
	}
	return results, nil
}

// Close 对文件仓库无需操作。
func (m *MemoryTranscriptRepository) Close() error { return nil }

func (m *MemoryTranscriptRepository) loadFromDisk() error {
	file, err := os.OpenFile(m.dataFile, os.O_RDONLY|os.O_CREATE, 0o644)
	if err != nil {
		return fmt.Errorf("读取归档文件失败: %w", err)
	}
	defer file.Close()

	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 0, 64*1024), 4<<20)
	for scanner.Scan() {
		var record TranscriptRecord
		if err := json.Unmarshal(scanner.Bytes(), &record); err != nil {
			continue
		}
		m.records = append(m.records, record)
		if record.ID > m.nextID {
			m.nextID = record.ID
		}
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("解析归档文件失败: %w", err)
	}
	if overflow := len(m.records) - memoryTranscriptCap; overflow > 0 {
		m.records = m.records[overflow:]
	}
	return nil
}

// ErrUnsupportedDriver 表示配置了未知的存储驱动。
var ErrUnsupportedDriver = errors.New("暂不支持的存储驱动")
