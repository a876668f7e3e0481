package main

import (
	"encoding/csv"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"
)

var frameLogHeader = []string{
	"timestamp", "result", "bits", "minute", "hour", "day", "weekday",
	"month", "year", "summer", "error",
}

// FrameLogger writes every completed frame to a CSV file per day
// Path structure: base_dir/YYYY/MM/DD/frames.csv
type FrameLogger struct {
	dataDir    string
	maxAgeDays int

	file    *os.File
	writer  *csv.Writer
	dateKey string
	fileMu  sync.Mutex

	stopClean chan struct{}
}

// NewFrameLogger creates the logger and starts hourly cleanup when maxAgeDays > 0
func NewFrameLogger(dataDir string, maxAgeDays int) (*FrameLogger, error) {
	if err := os.MkdirAll(dataDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create frame log directory: %w", err)
	}

	fl := &FrameLogger{
		dataDir:    dataDir,
		maxAgeDays: maxAgeDays,
		stopClean:  make(chan struct{}),
	}
	if maxAgeDays > 0 {
		go fl.cleanupLoop()
	}
	return fl, nil
}

// HandleEvent logs frame events
func (fl *FrameLogger) HandleEvent(ev Event) {
	if ev.Type != EventFrame {
		return
	}
	rec, ok := ev.Data.(FrameRecord)
	if !ok {
		return
	}
	if err := fl.LogFrame(rec); err != nil {
		log.Printf("[FrameLog] Write failed: %v", err)
	}
}

// LogFrame appends one frame record
func (fl *FrameLogger) LogFrame(rec FrameRecord) error {
	fl.fileMu.Lock()
	defer fl.fileMu.Unlock()

	writer, err := fl.getOrCreateWriter(rec.Timestamp)
	if err != nil {
		return err
	}

	record := []string{
		rec.Timestamp.Format(time.RFC3339),
		rec.Result,
		rec.Bits,
		strconv.Itoa(rec.Minute),
		strconv.Itoa(rec.Hour),
		strconv.Itoa(rec.Day),
		strconv.Itoa(rec.Weekday),
		strconv.Itoa(rec.Month),
		strconv.Itoa(rec.Year),
		strconv.FormatBool(rec.Summer),
		rec.Error,
	}
	if err := writer.Write(record); err != nil {
		return err
	}
	writer.Flush()
	return writer.Error()
}

func (fl *FrameLogger) dayDir(t time.Time) string {
	return filepath.Join(
		fl.dataDir,
		fmt.Sprintf("%04d", t.Year()),
		fmt.Sprintf("%02d", t.Month()),
		fmt.Sprintf("%02d", t.Day()),
	)
}

// getOrCreateWriter returns the writer for the day of t, rolling over at midnight
func (fl *FrameLogger) getOrCreateWriter(t time.Time) (*csv.Writer, error) {
	key := t.Format("2006-01-02")
	if fl.writer != nil && fl.dateKey == key {
		return fl.writer, nil
	}
	if fl.file != nil {
		fl.file.Close()
		fl.file, fl.writer = nil, nil
	}

	dirPath := fl.dayDir(t)
	if err := os.MkdirAll(dirPath, 0755); err != nil {
		return nil, fmt.Errorf("failed to create directory structure: %w", err)
	}

	file, err := os.OpenFile(filepath.Join(dirPath, "frames.csv"), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return nil, err
	}
	stat, err := file.Stat()
	if err != nil {
		file.Close()
		return nil, err
	}

	writer := csv.NewWriter(file)
	if stat.Size() == 0 {
		if err := writer.Write(frameLogHeader); err != nil {
			file.Close()
			return nil, fmt.Errorf("failed to write CSV header: %w", err)
		}
		writer.Flush()
	}

	fl.file, fl.writer, fl.dateKey = file, writer, key
	return writer, nil
}

// ReadFrames returns the frames logged on the given day
func (fl *FrameLogger) ReadFrames(day time.Time) ([]FrameRecord, error) {
	fl.fileMu.Lock()
	defer fl.fileMu.Unlock()

	file, err := os.Open(filepath.Join(fl.dayDir(day), "frames.csv"))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	defer file.Close()

	reader := csv.NewReader(file)
	reader.FieldsPerRecord = len(frameLogHeader)

	var out []FrameRecord
	for first := true; ; first = false {
		row, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return out, fmt.Errorf("failed to read frame log: %w", err)
		}
		if first {
			continue
		}
		rec, err := parseFrameRow(row)
		if err != nil {
			log.Printf("[FrameLog] Skipping bad row: %v", err)
			continue
		}
		out = append(out, rec)
	}
	return out, nil
}

func parseFrameRow(row []string) (FrameRecord, error) {
	ts, err := time.Parse(time.RFC3339, row[0])
	if err != nil {
		return FrameRecord{}, err
	}
	rec := FrameRecord{Timestamp: ts, Result: row[1], Bits: row[2], Error: row[10]}
	ints := []*int{&rec.Minute, &rec.Hour, &rec.Day, &rec.Weekday, &rec.Month, &rec.Year}
	for i, p := range ints {
		if *p, err = strconv.Atoi(row[3+i]); err != nil {
			return FrameRecord{}, fmt.Errorf("column %s: %w", frameLogHeader[3+i], err)
		}
	}
	if rec.Summer, err = strconv.ParseBool(row[9]); err != nil {
		return FrameRecord{}, fmt.Errorf("column summer: %w", err)
	}
	return rec, nil
}

// Close closes the open file and stops the cleanup goroutine
func (fl *FrameLogger) Close() error {
	close(fl.stopClean)

	fl.fileMu.Lock()
	defer fl.fileMu.Unlock()
	if fl.file == nil {
		return nil
	}
	err := fl.file.Close()
	fl.file, fl.writer = nil, nil
	return err
}

// cleanupLoop runs hourly to clean up old frame logs
func (fl *FrameLogger) cleanupLoop() {
	ticker := time.NewTicker(1 * time.Hour)
	defer ticker.Stop()

	fl.cleanupOldFiles(time.Now())
	for {
		select {
		case <-ticker.C:
			fl.cleanupOldFiles(time.Now())
		case <-fl.stopClean:
			return
		}
	}
}

// cleanupOldFiles removes day directories older than maxAgeDays and returns how many went
func (fl *FrameLogger) cleanupOldFiles(now time.Time) int {
	if fl.maxAgeDays <= 0 {
		return 0
	}
	cutoff := now.AddDate(0, 0, -fl.maxAgeDays)
	removed := 0

	yearDirs, err := os.ReadDir(fl.dataDir)
	if err != nil {
		log.Printf("[FrameLog] Warning: error reading %s: %v", fl.dataDir, err)
		return 0
	}
	for _, yearDir := range yearDirs {
		if !yearDir.IsDir() {
			continue
		}
		yearPath := filepath.Join(fl.dataDir, yearDir.Name())
		monthDirs, err := os.ReadDir(yearPath)
		if err != nil {
			continue
		}
		for _, monthDir := range monthDirs {
			if !monthDir.IsDir() {
				continue
			}
			monthPath := filepath.Join(yearPath, monthDir.Name())
			dayDirs, err := os.ReadDir(monthPath)
			if err != nil {
				continue
			}
			for _, dayDir := range dayDirs {
				if !dayDir.IsDir() {
					continue
				}
				dateStr := yearDir.Name() + "-" + monthDir.Name() + "-" + dayDir.Name()
				dirDate, err := time.ParseInLocation("2006-01-02", dateStr, now.Location())
				if err != nil {
					log.Printf("[FrameLog] Warning: invalid date directory %s", dateStr)
					continue
				}
				if dirDate.Before(cutoff) {
					dayPath := filepath.Join(monthPath, dayDir.Name())
					if err := os.RemoveAll(dayPath); err != nil {
						log.Printf("[FrameLog] Warning: error removing %s: %v", dayPath, err)
					} else {
						removed++
					}
				}
			}
			if isEmpty, _ := isDirEmpty(monthPath); isEmpty {
				os.Remove(monthPath)
			}
		}
		if isEmpty, _ := isDirEmpty(yearPath); isEmpty {
			os.Remove(yearPath)
		}
	}

	if removed > 0 {
		log.Printf("[FrameLog] Removed %d directories older than %d days", removed, fl.maxAgeDays)
	}
	return removed
}

// isDirEmpty checks if a directory is empty
func isDirEmpty(path string) (bool, error) {
	entries, err := os.ReadDir(path)
	if err != nil {
		return false, err
	}
	return len(entries) == 0, nil
}
