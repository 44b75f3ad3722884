// petradb-inspect dumps engine state for debugging: the header page record
// store and the write-ahead log, one line per record.
package main

import (
	"flag"
	"fmt"
	"log"
	"os"

	"github.com/tuannm99/petradb/internal/storage"
	"github.com/tuannm99/petradb/internal/wal"
)

func main() {
	var dbPath string
	flag.StringVar(&dbPath, "db", "petra.db", "path to the page file")
	flag.Parse()

	cmd := flag.Arg(0)
	switch cmd {
	case "header":
		if err := dumpHeader(dbPath); err != nil {
			log.Fatalf("header: %v", err)
		}
	case "log":
		if err := dumpLog(dbPath); err != nil {
			log.Fatalf("log: %v", err)
		}
	default:
		fmt.Fprintf(os.Stderr, "usage: petradb-inspect -db <file> header|log\n")
		os.Exit(2)
	}
}

func dumpHeader(dbPath string) error {
	dm, err := storage.NewDiskManager(dbPath, storage.Options{})
	if err != nil {
		return err
	}
	defer func() { _ = dm.Close() }()

	p := storage.NewPage()
	if err := dm.ReadPage(storage.HeaderPageID, p.Data[:]); err != nil {
		return err
	}
	h := storage.AsHeaderPage(p)
	fmt.Printf("header page: %d records, %d pages allocated\n", h.RecordCount(), dm.NumPages())
	for i := 0; i < h.RecordCount(); i++ {
		name, root := h.RecordAt(i)
		fmt.Printf("  %-32s root=%d\n", name, int32(root))
	}
	return nil
}

func dumpLog(dbPath string) error {
	dm, err := storage.NewDiskManager(dbPath, storage.Options{})
	if err != nil {
		return err
	}
	defer func() { _ = dm.Close() }()

	buf := make([]byte, wal.DefaultBufferSize)
	var offset int64
	count := 0
	for {
		n, err := dm.ReadLog(buf, offset)
		if err != nil {
			return err
		}
		if n == 0 {
			break
		}
		pos := 0
		for {
			rec, ok := wal.Decode(buf[pos:n])
			if !ok {
				break
			}
			line := fmt.Sprintf("lsn=%d txn=%d prev=%d type=%s",
				rec.LSN, rec.TxnID, rec.PrevLSN, rec.Type)
			switch rec.Type {
			case wal.TypeInsert, wal.TypeApplyDelete, wal.TypeMarkDelete, wal.TypeRollbackDelete:
				line += fmt.Sprintf(" rid=(%d,%d) len=%d", rec.RID.PageID, rec.RID.Slot, len(rec.Tuple))
			case wal.TypeUpdate:
				line += fmt.Sprintf(" rid=(%d,%d) old=%d new=%d",
					rec.RID.PageID, rec.RID.Slot, len(rec.OldTuple), len(rec.NewTuple))
			case wal.TypeNewPage:
				line += fmt.Sprintf(" prev=%d page=%d", int32(rec.PrevPageID), rec.PageID)
			}
			fmt.Println(line)
			count++
			pos += int(rec.Size)
		}
		if pos == 0 {
			fmt.Println("(undecodable tail, stopping)")
			break
		}
		offset += int64(pos)
	}
	fmt.Printf("%d records, %d log bytes\n", count, dm.LogSize())
	return nil
}
