package main

import (
	"context"
	"fmt"
	"net/url"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/paulmach/orb"
	"github.com/spf13/cobra"
	"github.com/teris-io/shortid"
	pb "gopkg.in/cheggaaa/pb.v1"

	"tileproxy/internal/quadtile"
	"tileproxy/internal/sources"
	"tileproxy/internal/store"
	"tileproxy/internal/tile"
)

var seedOpts struct {
	source  string
	out     string
	geojson string
	minZoom int
	maxZoom int
	noBar   bool
}

var seedCmd = &cobra.Command{
	Use:   "seed",
	Short: "Copy tiles of a source into a file tree or any writable source",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return InitTask(cmd.Context())
	},
}

func init() {
	f := seedCmd.Flags()
	f.StringVar(&seedOpts.source, "source", "", "id of the source to seed from")
	f.StringVar(&seedOpts.out, "out", "", "output directory or source uri, defaults to output.directory")
	f.StringVar(&seedOpts.geojson, "geojson", "", "only seed tiles covering this GeoJSON feature collection")
	f.IntVar(&seedOpts.minZoom, "minzoom", 0, "first zoom to seed")
	f.IntVar(&seedOpts.maxZoom, "maxzoom", 5, "last zoom to seed")
	f.BoolVar(&seedOpts.noBar, "no-progress", false, "hide progress bars")
	_ = seedCmd.MarkFlagRequired("source")
}

// InitTask seeds seedOpts.source.
func InitTask(ctx context.Context) error {
	start := time.Now()

	if seedOpts.minZoom < ZoomMin || seedOpts.maxZoom > ZoomMax || seedOpts.minZoom > seedOpts.maxZoom {
		return fmt.Errorf("invalid zoom range %d..%d", seedOpts.minZoom, seedOpts.maxZoom)
	}
	reg, err := InitRegistry(ctx, configPath)
	if err != nil {
		return err
	}
	src, err := reg.GetHandlerByID(seedOpts.source)
	if err != nil {
		return err
	}
	format := tile.PNG
	if info, err := src.Info(ctx); err == nil {
		if f, ok := info["format"].(string); ok && f != "" {
			format = f
		}
	}
	dst, err := openDestination(ctx, reg, seedOpts.out, format)
	if err != nil {
		return err
	}

	var c orb.Collection
	if seedOpts.geojson != "" {
		if c, err = loadCollection(seedOpts.geojson); err != nil {
			return err
		}
	}
	layers, err := buildLayers(ctx, src, c, seedOpts.minZoom, seedOpts.maxZoom)
	if err != nil {
		return err
	}

	bp, err := openTaskBreakPoint(seedOpts.source)
	if err != nil {
		return err
	}
	SafeExitInst.Register(bp.BreakPointSafeFun)

	task := NewTask(seedOpts.source, src, dst, layers, TaskOptions{
		Workers:   conf.Task.Workers,
		TimeDelay: conf.Task.Timedelay,
		Format:    format,
		ShowBar:   !seedOpts.noBar,
	}, bp)
	// 注册安全退出
	SafeExitInst.Register(task.AbortFun)

	// 开始下载
	task.Download(ctx)

	log.Infof("%.3fs finished, %d saved, %d skipped, %d failed",
		time.Since(start).Seconds(), task.Saved.Load(), task.Skipped.Load(), task.Failed.Load())
	return nil
}

// openTaskBreakPoint opens the break point of a seed task as configured.
func openTaskBreakPoint(name string) (*BreakPoint, error) {
	return OpenBreakPoint(conf.BreakPoint.SaveFilePath, name, conf.Task.BufSize)
}

// openDestination opens out as a source uri when it has a scheme and as a
// file tree otherwise.
func openDestination(ctx context.Context, reg *sources.Sources, out, format string) (tile.Putter, error) {
	if out == "" {
		out = conf.Output.Directory
	}
	if !strings.Contains(out, "://") {
		if err := reg.RegisterModule(store.FileModule()); err != nil {
			return nil, err
		}
		abs, err := filepath.Abs(out)
		if err != nil {
			return nil, err
		}
		out = (&url.URL{Scheme: "file", Path: filepath.ToSlash(abs), RawQuery: "format=" + url.QueryEscape(format)}).String()
	}
	h, err := reg.Load(ctx, out)
	if err != nil {
		return nil, err
	}
	p, ok := h.(tile.Putter)
	if !ok {
		return nil, fmt.Errorf("%s cannot store tiles", out)
	}
	if c, ok := h.(interface{ Close() error }); ok {
		SafeExitInst.Register(func() { _ = c.Close() })
	}
	return p, nil
}

// TaskOptions tunes a seed task.
type TaskOptions struct {
	Workers int
	// TimeDelay between two requests, in milliseconds.
	TimeDelay int
	// Format of the source; uncompressed pbf is gzipped before it is stored.
	Format  string
	ShowBar bool
}

// Task 下载任务
type Task struct {
	ID      string
	Name    string
	Layers  []Layer
	Total   int64
	Saved   atomic.Int64
	Skipped atomic.Int64
	Failed  atomic.Int64

	src  tile.Handler
	dst  tile.Putter
	bp   *BreakPoint
	opts TaskOptions

	tileWG    sync.WaitGroup
	abort     chan struct{}
	abortOnce sync.Once
	workers   chan struct{}
}

// NewTask 创建下载任务
func NewTask(name string, src tile.Handler, dst tile.Putter, layers []Layer, opts TaskOptions, bp *BreakPoint) *Task {
	id, _ := shortid.Generate()
	if opts.Workers < 1 {
		opts.Workers = 1
	}

	task := &Task{
		ID:      id,
		Name:    name,
		Layers:  layers,
		src:     src,
		dst:     dst,
		bp:      bp,
		opts:    opts,
		abort:   make(chan struct{}),
		workers: make(chan struct{}, opts.Workers),
	}
	for _, l := range layers {
		log.Infof("zoom: %d, tiles: %d", l.Zoom, l.Count)
		task.Total += l.Count
	}
	return task
}

// 结束任务
func (task *Task) AbortFun() {
	task.abortOnce.Do(func() { close(task.abort) })
}

func (task *Task) aborted() bool {
	select {
	case <-task.abort:
		return true
	default:
		return false
	}
}

// Download 开启下载任务
func (task *Task) Download(ctx context.Context) {
	for _, layer := range task.Layers {
		if task.aborted() || ctx.Err() != nil {
			return
		}
		task.downloadLayer(ctx, layer)
	}
}

// tileFetcher 瓦片加载器
func (task *Task) tileFetcher(ctx context.Context, z int, idx uint64) {
	start := time.Now()
	//workers完成并清退
	defer func() {
		task.tileWG.Done()
		<-task.workers
	}()

	x, y, err := quadtile.FromIndex(z, idx)
	if err != nil {
		task.Failed.Add(1)
		log.Errorf("tile index %d/%d error ~ %s", z, idx, err)
		return
	}
	t, err := task.src.Get(ctx, tile.Request{Z: z, X: x, Y: y})
	switch {
	case tile.IsNoTile(err):
		task.Skipped.Add(1)
		log.Debugf("no tile %d/%d/%d ~", z, x, y)
		task.bp.SetSuccessed(z, idx)
		return
	case err != nil:
		task.Failed.Add(1)
		log.Debugf("fetch %d/%d/%d error, details: %s ~", z, x, y, err)
		return
	case len(t.Data) == 0:
		task.Skipped.Add(1)
		log.Debugf("nil tile %d/%d/%d ~", z, x, y)
		task.bp.SetSuccessed(z, idx)
		return
	}

	if task.opts.Format == tile.PBF && !tile.IsGzipped(t.Data) {
		gz, err := tile.Compress(t.Data)
		if err != nil {
			task.Failed.Add(1)
			log.Errorf("compress %d/%d/%d error ~ %s", z, x, y, err)
			return
		}
		t = &tile.Tile{Data: gz, Headers: t.Headers}
	}

	if err := task.dst.Put(ctx, z, x, y, t); err != nil {
		task.Failed.Add(1)
		log.Errorf("save %d/%d/%d tile error ~ %s", z, x, y, err)
		return
	}
	task.Saved.Add(1)
	task.bp.SetSuccessed(z, idx)

	cost := time.Since(start).Milliseconds()
	log.Debugf("tile(z:%d, x:%d, y:%d), %dms , %.2f kb", z, x, y, cost, float32(len(t.Data))/1024.0)
}

// downloadLayer 下载指定层级
func (task *Task) downloadLayer(ctx context.Context, layer Layer) {
	log.Infof("Task %s layer: %s starting", task.Name, layer)
	bar := pb.New64(layer.Count).Prefix(fmt.Sprintf("Zoom %d : ", layer.Zoom)).Postfix("\n")
	bar.SetRefreshRate(time.Second)
	if task.opts.ShowBar {
		bar.Start()
	}

	it := layer.Tiles.Iterator()
loop:
	for it.HasNext() {
		idx := it.Next()
		// 如果已经在成功列表里
		if task.bp.IsSuccessed(layer.Zoom, idx) {
			bar.Increment()
			continue
		}
		select {
		// 向队列发送数据
		case task.workers <- struct{}{}:
			bar.Increment()
			//设置请求发送间隔时间
			if task.opts.TimeDelay > 0 {
				time.Sleep(time.Duration(task.opts.TimeDelay) * time.Millisecond)
			}
			task.tileWG.Add(1)
			go task.tileFetcher(ctx, layer.Zoom, idx)
		case <-task.abort:
			log.Infof("Task %s got canceled.", task.Name)
			break loop
		case <-ctx.Done():
			log.Infof("Task %s got canceled: %s", task.Name, ctx.Err())
			break loop
		}
	}
	//等待该层结束
	task.tileWG.Wait()
	if task.opts.ShowBar {
		bar.FinishPrint(fmt.Sprintf("Task %s Zoom %d finished ~", task.ID, layer.Zoom))
	}
}
