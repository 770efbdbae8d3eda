// ©Hayabusa Cloud Co., Ltd. 2025. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Command chunkbench drives the out-of-core chunk store with the classic
// workloads: a flush round trip on one chunk, a sequential sweep that
// ramps the prefetch predictor, a strided sweep that defeats it, and a
// multi-chunk arbitration run with one executor goroutine and one ring
// per chunk contending on a shared page pool.
package main

import (
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"
	"gopkg.in/ini.v1"

	"code.hybscloud.com/chunkio"
)

type config struct {
	Pool struct {
		Blocks int `ini:"blocks"`
		Order  int `ini:"order"`
	} `ini:"pool"`
	Engine struct {
		Depth int `ini:"depth"`
	} `ini:"engine"`
	Bench struct {
		Dir        string `ini:"dir"`
		Chunks     int    `ini:"chunks"`
		ChunkBytes int64  `ini:"chunk_bytes"`
		Workload   string `ini:"workload"`
	} `ini:"bench"`
}

func defaultConfig() config {
	var cfg config
	cfg.Pool.Blocks = 64
	cfg.Pool.Order = 17
	cfg.Engine.Depth = chunkio.DefaultQueueDepth
	cfg.Bench.Dir = os.TempDir()
	cfg.Bench.Chunks = 4
	cfg.Bench.ChunkBytes = 64 << 20
	cfg.Bench.Workload = "all"
	return cfg
}

func main() {
	var (
		configPath = flag.String("config", "", "ini profile (sections [pool], [engine], [bench])")
		workload   = flag.String("workload", "", "flush | sequential | strided | arbitration | all")
		verbose    = flag.Bool("v", false, "debug logging")
	)
	flag.Parse()

	log := logrus.New()
	if *verbose {
		log.SetLevel(logrus.DebugLevel)
	}
	chunkio.SetLogger(log)

	cfg := defaultConfig()
	if *configPath != "" {
		f, err := ini.Load(*configPath)
		if err != nil {
			log.Fatalf("cannot load config %s: %v", *configPath, err)
		}
		if err := f.MapTo(&cfg); err != nil {
			log.Fatalf("bad config %s: %v", *configPath, err)
		}
	}
	if *workload != "" {
		cfg.Bench.Workload = *workload
	}

	raiseFileLimit(log)

	mem := chunkio.AlignedMem(cfg.Pool.Blocks<<cfg.Pool.Order, 1<<cfg.Pool.Order)
	pool, err := chunkio.NewPagePool(cfg.Pool.Blocks, cfg.Pool.Order, mem)
	if err != nil {
		log.Fatalf("pool: %v", err)
	}
	log.Infof("pool: %d pages x %d KiB", pool.BlockNumber(), pool.BlockSize()>>10)

	run := func(name string, fn func(*logrus.Logger, config, *chunkio.PagePool) error) {
		if cfg.Bench.Workload != "all" && cfg.Bench.Workload != name {
			return
		}
		start := time.Now()
		if err := fn(log, cfg, pool); err != nil {
			log.Fatalf("%s: %v", name, err)
		}
		log.Infof("%s: done in %v", name, time.Since(start))
	}

	run("flush", benchFlush)
	run("sequential", benchSequential)
	run("strided", benchStrided)
	run("arbitration", benchArbitration)
}

// raiseFileLimit lifts RLIMIT_NOFILE to its hard cap; every chunk opens
// its own ring.
func raiseFileLimit(log *logrus.Logger) {
	var lim unix.Rlimit
	if err := unix.Getrlimit(unix.RLIMIT_NOFILE, &lim); err != nil {
		log.Warnf("getrlimit: %v", err)
		return
	}
	lim.Cur = lim.Max
	if err := unix.Setrlimit(unix.RLIMIT_NOFILE, &lim); err != nil {
		log.Warnf("setrlimit: %v", err)
	}
}

func openStorage(cfg config, name string, capacity int64) (*chunkio.Storage, string, error) {
	path := filepath.Join(cfg.Bench.Dir, name)
	st, err := chunkio.OpenStorage(path, capacity)
	return st, path, err
}

// benchFlush writes one chunk end to end, syncs, and verifies a sample of
// positions read back after the barrier.
func benchFlush(log *logrus.Logger, cfg config, pool *chunkio.PagePool) error {
	st, path, err := openStorage(cfg, "chunkbench_flush.bin", cfg.Bench.ChunkBytes)
	if err != nil {
		return err
	}
	defer os.Remove(path)
	defer st.Close()

	eng, err := chunkio.OpenEngine(cfg.Engine.Depth)
	if err != nil {
		return err
	}
	defer eng.Close()

	ck, err := chunkio.NewChunk(eng, st, pool, cfg.Bench.ChunkBytes)
	if err != nil {
		return err
	}
	defer ck.Close()

	n := ck.Len()
	start := time.Now()
	for i := uint64(0); i < n; i++ {
		ck.WriteDouble(i, float64(i))
	}
	if err := ck.Sync(); err != nil {
		return err
	}
	rate := float64(n*8) / time.Since(start).Seconds() / (1 << 20)
	log.Infof("flush: wrote %d doubles at %.1f MiB/s", n, rate)

	for _, pos := range []uint64{0, n / 3, n / 2, n - 1} {
		if got := ck.ReadDouble(pos); got != float64(pos) {
			return fmt.Errorf("verify at %d: got %v", pos, got)
		}
	}
	return nil
}

// benchSequential sweeps the chunk in order so the predictor saturates and
// every page boundary crossing rides an asynchronous prefetch.
func benchSequential(log *logrus.Logger, cfg config, pool *chunkio.PagePool) error {
	st, path, err := openStorage(cfg, "chunkbench_seq.bin", cfg.Bench.ChunkBytes)
	if err != nil {
		return err
	}
	defer os.Remove(path)
	defer st.Close()

	eng, err := chunkio.OpenEngine(cfg.Engine.Depth)
	if err != nil {
		return err
	}
	defer eng.Close()

	ck, err := chunkio.NewChunk(eng, st, pool, cfg.Bench.ChunkBytes)
	if err != nil {
		return err
	}
	defer ck.Close()

	n := ck.Len()
	for i := uint64(0); i < n; i++ {
		ck.WriteDouble(i, float64(i)*0.1)
	}
	if err := ck.Sync(); err != nil {
		return err
	}

	start := time.Now()
	var sum float64
	for i := uint64(0); i < n; i++ {
		sum += ck.ReadDouble(i)
	}
	rate := float64(n*8) / time.Since(start).Seconds() / (1 << 20)
	log.Infof("sequential: read %d doubles at %.1f MiB/s (sum=%g)", n, rate, sum)
	return nil
}

// benchStrided hops through the chunk with a large fixed stride, the
// worst case for the sequential predictor.
func benchStrided(log *logrus.Logger, cfg config, pool *chunkio.PagePool) error {
	st, path, err := openStorage(cfg, "chunkbench_strided.bin", cfg.Bench.ChunkBytes)
	if err != nil {
		return err
	}
	defer os.Remove(path)
	defer st.Close()

	eng, err := chunkio.OpenEngine(cfg.Engine.Depth)
	if err != nil {
		return err
	}
	defer eng.Close()

	ck, err := chunkio.NewChunk(eng, st, pool, cfg.Bench.ChunkBytes)
	if err != nil {
		return err
	}
	defer ck.Close()

	n := ck.Len()
	for i := uint64(0); i < n; i++ {
		ck.WriteDouble(i, 42.0)
	}
	if err := ck.Sync(); err != nil {
		return err
	}

	start := time.Now()
	pos := uint64(0)
	for i := uint64(0); i < n; i++ {
		if got := ck.ReadDouble(pos); got != 42.0 {
			return fmt.Errorf("strided read at %d: got %v", pos, got)
		}
		pos = (pos + 999999) % n
	}
	rate := float64(n*8) / time.Since(start).Seconds() / (1 << 20)
	log.Infof("strided: read %d doubles at %.1f MiB/s", n, rate)
	return nil
}

// benchArbitration runs one executor goroutine per chunk, each with its
// own ring, all drawing pages from the shared pool.
func benchArbitration(log *logrus.Logger, cfg config, pool *chunkio.PagePool) error {
	total := cfg.Bench.ChunkBytes * int64(cfg.Bench.Chunks)
	st, path, err := openStorage(cfg, "chunkbench_arb.bin", total)
	if err != nil {
		return err
	}
	defer os.Remove(path)
	defer st.Close()

	chunks := make([]*chunkio.Chunk, cfg.Bench.Chunks)
	engines := make([]chunkio.Engine, cfg.Bench.Chunks)
	for i := range chunks {
		engines[i], err = chunkio.OpenEngine(cfg.Engine.Depth)
		if err != nil {
			return err
		}
		chunks[i], err = chunkio.NewChunk(engines[i], st, pool, cfg.Bench.ChunkBytes)
		if err != nil {
			return fmt.Errorf("chunk %d: %w", i, err)
		}
	}
	defer func() {
		for i := range chunks {
			if chunks[i] != nil {
				_ = chunks[i].Close()
			}
			if engines[i] != nil {
				_ = engines[i].Close()
			}
		}
	}()

	var wg sync.WaitGroup
	errs := make([]error, len(chunks))
	start := time.Now()
	for i, ck := range chunks {
		wg.Add(1)
		go func(i int, ck *chunkio.Chunk) {
			defer wg.Done()
			n := ck.Len()
			for p := uint64(0); p < n; p++ {
				ck.WriteDouble(p, float64(i))
			}
			if err := ck.Sync(); err != nil {
				errs[i] = err
				return
			}
			for _, pos := range []uint64{0, n / 2, n - 1} {
				if got := ck.ReadDouble(pos); got != float64(i) {
					errs[i] = fmt.Errorf("chunk %d verify at %d: got %v", i, pos, got)
					return
				}
			}
		}(i, ck)
	}
	wg.Wait()
	for _, err := range errs {
		if err != nil {
			return err
		}
	}
	rate := float64(total) / time.Since(start).Seconds() / (1 << 20)
	log.Infof("arbitration: %d chunks at %.1f MiB/s aggregate", len(chunks), rate)
	return nil
}
