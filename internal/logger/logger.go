// Package logger пишет логи с префиксом сервиса через асинхронную очередь,
// чтобы обработчики событий не блокировались на записи в stderr.
package logger

import (
	"fmt"
	"log"
	"strings"
	"sync"
	"time"
)

const asyncBufferSize = 8192

type Level int

const (
	LevelDebug Level = iota
	LevelInfo
	LevelWarn
	LevelError
)

// slowCallThreshold: вызовы дольше этого порога LogDuration пишет как warn.
const slowCallThreshold = 100 * time.Millisecond

var (
	mu       sync.RWMutex
	prefix   string
	logLevel = LevelInfo

	ch      chan string
	flushCh chan chan struct{}
	once    sync.Once
)

func initWorker() {
	ch = make(chan string, asyncBufferSize)
	flushCh = make(chan chan struct{})
	go func() {
		for {
			select {
			case msg := <-ch:
				log.Print(msg)
			case done := <-flushCh:
			drain:
				for {
					select {
					case msg := <-ch:
						log.Print(msg)
					default:
						break drain
					}
				}
				close(done)
			}
		}
	}()
}

func enqueue(lvl Level, label, msg string) {
	mu.RLock()
	skip := lvl < logLevel
	p := prefix
	mu.RUnlock()
	if skip {
		return
	}
	once.Do(initWorker)
	line := msg
	if label != "" {
		line = label + ": " + msg
	}
	if p != "" {
		line = "[" + p + "] " + line
	}
	select {
	case ch <- line:
	default:
		// очередь переполнена — лог теряется, но вызывающий не ждёт
	}
}

// SetPrefix задаёт префикс всех последующих строк (например "chat").
func SetPrefix(p string) {
	mu.Lock()
	prefix = p
	mu.Unlock()
}

// SetLevel принимает "debug", "info", "warn" или "error"; прочее трактуется как info.
func SetLevel(s string) {
	mu.Lock()
	logLevel = ParseLevel(s)
	mu.Unlock()
}

func ParseLevel(s string) Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug", "trace":
		return LevelDebug
	case "warn", "warning":
		return LevelWarn
	case "error":
		return LevelError
	default:
		return LevelInfo
	}
}

func Debugf(format string, v ...any) { enqueue(LevelDebug, "DEBUG", fmt.Sprintf(format, v...)) }

func Info(v ...any) { enqueue(LevelInfo, "", fmt.Sprint(v...)) }

func Infof(format string, v ...any) { enqueue(LevelInfo, "", fmt.Sprintf(format, v...)) }

func Warnf(format string, v ...any) { enqueue(LevelWarn, "WARN", fmt.Sprintf(format, v...)) }

func Error(v ...any) { enqueue(LevelError, "ERROR", fmt.Sprint(v...)) }

func Errorf(format string, v ...any) { enqueue(LevelError, "ERROR", fmt.Sprintf(format, v...)) }

// LogDuration пишет имя функции и длительность. Медленные вызовы (>=100ms) идут как warn, остальные как debug.
func LogDuration(fn string, start time.Time) {
	elapsed := time.Since(start)
	lvl := LevelDebug
	if elapsed >= slowCallThreshold {
		lvl = LevelWarn
	}
	enqueue(lvl, "", fmt.Sprintf("fn=%s duration_ms=%d", fn, elapsed.Milliseconds()))
}

// DeferLogDuration: defer logger.DeferLogDuration("repo.Create", time.Now())().
func DeferLogDuration(fn string, start time.Time) func() {
	return func() { LogDuration(fn, start) }
}

// Flush ждёт, пока очередь будет выписана, но не дольше timeout. Вызывается при остановке процесса.
func Flush(timeout time.Duration) {
	once.Do(initWorker)
	done := make(chan struct{})
	select {
	case flushCh <- done:
	case <-time.After(timeout):
		return
	}
	select {
	case <-done:
	case <-time.After(timeout):
	}
}
