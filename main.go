package main

import (
	"flag"
	"fmt"
	"log"
	"time"

	"minikernel/bio"
	"minikernel/block"
	"minikernel/conf"
	"minikernel/disk"
	"minikernel/kalloc"
	"minikernel/kclock"
	"minikernel/kcpu"
	"minikernel/logger"
)

func checkError(err error, message string) {
	if err != nil {
		log.Fatalf("%s: %v", message, err)
	}
}

func main() {
	configPath := flag.String("config", "minikernel.ini", "path to the config file")
	flag.Parse()

	cfg, err := conf.Load(*configPath)
	checkError(err, "Failed to load config")
	logger.Init(cfg.LogLevel)

	dm, err := disk.NewDiskMgr(cfg.DataDir, cfg.BlockSize)
	checkError(err, "Failed to initialize DiskMgr")
	defer func() {
		checkError(dm.Close(), "Failed to close DiskMgr")
	}()

	clk := kclock.New()
	clk.Start(time.Millisecond)
	defer clk.Stop()

	cache := bio.New(dm, clk, cfg.NBuf, cfg.NBucket, cfg.BlockSize)
	cpus := kcpu.NewSet(cfg.NCPU)
	km := kalloc.New(cfg.NCPU, cfg.MemPages)

	// A frame from the allocator, used as scratch memory.
	pa := km.Kalloc(cpus.CPU(0))
	if pa == 0 {
		log.Fatal("out of physical memory")
	}
	scratch := block.NewView(km.Page(pa))
	checkError(scratch.SetString(0, "boot scratch"), "Failed to write frame")
	km.Kfree(cpus.CPU(0), pa)

	// A read-modify-write cycle through the buffer cache.
	b, err := cache.Bread(1, 0)
	checkError(err, "Failed to read block")
	v := block.NewView(b.Data)
	n, err := v.GetInt(0)
	checkError(err, "Failed to get boot counter")
	checkError(v.SetInt(0, n+1), "Failed to set boot counter")
	checkError(v.SetString(16, "Hello, minikernel!"), "Failed to set string")
	checkError(cache.Bwrite(b), "Failed to write block")
	cache.Brelse(b)

	b, err = cache.Bread(1, 0)
	checkError(err, "Failed to re-read block")
	v = block.NewView(b.Data)
	count, err := v.GetInt(0)
	checkError(err, "Failed to get boot counter")
	greeting, err := v.GetString(16)
	checkError(err, "Failed to get string")
	cache.Brelse(b)

	fmt.Printf("Boot count: %d, greeting: %q\n", count, greeting)

	stats := cache.Stats()
	fmt.Printf("Cache - Hits: %d, Misses: %d, Evictions: %d, Steals: %d\n",
		stats.Hits, stats.Misses, stats.Evictions, stats.Steals)
	fmt.Printf("Disk - Blocks Read: %d, Blocks Written: %d\n", dm.BlocksRead(), dm.BlocksWritten())
	fmt.Printf("Memory - Free Pages: %d/%d\n", km.FreePages(), cfg.MemPages)
}
