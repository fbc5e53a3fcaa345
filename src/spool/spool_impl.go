package spool

import (
	"database/sql"
	"fmt"

	"github.com/fxamacker/cbor/v2"
	"github.com/nhirsama/Goster-Gateway/src/inter"
	_ "modernc.org/sqlite"
)

// envelope 落盘记录的 CBOR 信封
// 载荷原样封存，不解析其内部结构
type envelope struct {
	Reason  string `cbor:"1,keyasint"`
	Cmd     uint16 `cbor:"2,keyasint"`
	Payload []byte `cbor:"3,keyasint"`
}

// SpoolSql 被丢弃载荷的本地 SQLite 落盘
// 仅做诊断留痕，记录不参与任何重发
type SpoolSql struct {
	db *sql.DB
}

func NewSpoolSql(dbPath string) (inter.Spool, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, err
	}

	schema := `
    CREATE TABLE IF NOT EXISTS dropped (
       seq INTEGER PRIMARY KEY AUTOINCREMENT,
       reason TEXT,
       record BLOB,
       created_at DATETIME DEFAULT CURRENT_TIMESTAMP
    );
    CREATE INDEX IF NOT EXISTS idx_dropped_reason ON dropped (reason);
    `

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, err
	}

	return &SpoolSql{db: db}, nil
}

func (s *SpoolSql) Archive(reason string, cmd inter.CmdID, payload []byte) error {
	blob, err := cbor.Marshal(envelope{
		Reason:  reason,
		Cmd:     uint16(cmd),
		Payload: payload,
	})
	if err != nil {
		return fmt.Errorf("编码落盘记录失败: %w", err)
	}

	_, err = s.db.Exec("INSERT INTO dropped (reason, record) VALUES (?, ?)", reason, blob)
	return err
}

func (s *SpoolSql) Count() (int, error) {
	var count int
	err := s.db.QueryRow("SELECT COUNT(*) FROM dropped").Scan(&count)
	return count, err
}

// Recent 最近 n 条记录，新者在前
func (s *SpoolSql) Recent(n int) ([]inter.SpoolRecord, error) {
	rows, err := s.db.Query(
		"SELECT seq, record FROM dropped ORDER BY seq DESC LIMIT ?", n)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var records []inter.SpoolRecord
	for rows.Next() {
		var seq int64
		var blob []byte
		if err := rows.Scan(&seq, &blob); err != nil {
			continue
		}

		var env envelope
		if err := cbor.Unmarshal(blob, &env); err != nil {
			continue
		}
		records = append(records, inter.SpoolRecord{
			Seq:     seq,
			Reason:  env.Reason,
			Cmd:     inter.CmdID(env.Cmd),
			Payload: env.Payload,
		})
	}
	return records, rows.Err()
}

func (s *SpoolSql) Close() error {
	return s.db.Close()
}
