package main

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/RoaringBitmap/roaring/roaring64"
)

// BreakPoint records seeded tiles in an append-only log so an interrupted
// seed can resume. Each line is "<z> <index>".
type BreakPoint struct {
	file     *os.File
	saveChan chan tileKey

	mu         sync.Mutex
	successMap map[int]*roaring64.Bitmap

	closeMu sync.RWMutex
	isClose bool
	wg      sync.WaitGroup
}

type tileKey struct {
	z   int
	idx uint64
}

// OpenBreakPoint opens <dir>/<name>.log and loads the tiles it records.
func OpenBreakPoint(dir, name string, bufSize int) (*BreakPoint, error) {
	if err := os.MkdirAll(dir, os.ModePerm); err != nil {
		return nil, err
	}
	filapath := filepath.Join(dir, fmt.Sprintf("%s.log", name))
	file, err := os.OpenFile(filapath, os.O_APPEND|os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return nil, fmt.Errorf("break point file open is error: %w", err)
	}

	// 获取断点记录
	successMap, err := getBackPoint(file)
	if err != nil {
		_ = file.Close()
		return nil, err
	}

	b := &BreakPoint{
		file:       file,
		saveChan:   make(chan tileKey, bufSize),
		successMap: successMap,
	}
	// 开始断点任务
	b.wg.Add(1)
	go b.Start()
	return b, nil
}

// 初始化断点文件
func getBackPoint(file *os.File) (map[int]*roaring64.Bitmap, error) {
	res := make(map[int]*roaring64.Bitmap)

	sc := bufio.NewScanner(file)
	for sc.Scan() {
		var k tileKey
		if _, err := fmt.Sscanf(sc.Text(), "%d %d", &k.z, &k.idx); err != nil {
			// torn last line of a killed run
			continue
		}
		bm, ok := res[k.z]
		if !ok {
			bm = roaring64.New()
			res[k.z] = bm
		}
		bm.Add(k.idx)
	}
	return res, sc.Err()
}

func (b *BreakPoint) IsSuccessed(z int, idx uint64) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	bm, ok := b.successMap[z]
	return ok && bm.Contains(idx)
}

// Successed returns how many tiles of zoom z are recorded.
func (b *BreakPoint) Successed(z int) uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	if bm, ok := b.successMap[z]; ok {
		return bm.GetCardinality()
	}
	return 0
}

func (b *BreakPoint) SetSuccessed(z int, idx uint64) {
	b.closeMu.RLock()
	defer b.closeMu.RUnlock()
	if b.isClose {
		return
	}
	b.saveChan <- tileKey{z, idx}
}

func (b *BreakPoint) Start() {
	defer b.wg.Done()
	log.Debugf("断点记录任务已开始")
	w := bufio.NewWriter(b.file)
	for k := range b.saveChan {
		if _, err := fmt.Fprintf(w, "%d %d\n", k.z, k.idx); err != nil {
			log.Errorf("write break point error, details: %s", err)
		}
		b.mu.Lock()
		bm, ok := b.successMap[k.z]
		if !ok {
			bm = roaring64.New()
			b.successMap[k.z] = bm
		}
		bm.Add(k.idx)
		b.mu.Unlock()
		if len(b.saveChan) == 0 {
			_ = w.Flush()
		}
	}
	if err := w.Flush(); err != nil {
		log.Errorf("flush break point error, details: %s", err)
	}
}

// BreakPointSafeFun stops recording and closes the log file. Pending
// records are written first.
func (b *BreakPoint) BreakPointSafeFun() {
	b.closeMu.Lock()
	if b.isClose {
		b.closeMu.Unlock()
		return
	}
	b.isClose = true
	close(b.saveChan)
	b.closeMu.Unlock()

	b.wg.Wait()
	_ = b.file.Close()
	log.Debugf("断点记录任务已安全退出")
}
