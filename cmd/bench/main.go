package main

import (
	"flag"
	"fmt"
	"log"
	"math/rand"
	"time"

	"github.com/dbrumbaugh/sampling-extension/pkg/lsm"
)

var amount = flag.Int("amount", 100000, "the number of records to insert before sampling")
var deletes = flag.Int("deletes", 0, "the number of inserted keys to delete afterward")
var sampleSize = flag.Int("k", 100, "the sample size requested per range_sample call")
var samples = flag.Int("samples", 1000, "the number of range_sample calls to run")
var weighted = flag.Bool("weighted", false, "use the weighted sampling variant")
var leveling = flag.Bool("leveling", false, "use leveling instead of tiering")

func init() {
	flag.Parse()
}

func main() {
	cfg := lsm.DefaultConfig()
	cfg.Weighted = *weighted
	cfg.Leveling = *leveling

	tree, err := lsm.Open(cfg)
	if err != nil {
		log.Fatalf("could not open tree: %v", err)
	}
	defer tree.Close()

	rng := rand.New(rand.NewSource(time.Now().UnixNano()))

	log.Printf("inserting %d records (weighted=%v leveling=%v)", *amount, *weighted, *leveling)
	start := time.Now()
	keys := make([][]byte, 0, *amount)
	for i := 0; i < *amount; i++ {
		key := []byte(fmt.Sprintf("%012d", rng.Intn(*amount*4)))
		val := []byte(fmt.Sprintf("v%d", i))
		weight := 1.0
		if cfg.Weighted {
			weight = rng.Float64()*10 + 1
		}
		if err := tree.Append(key, val, weight); err != nil {
			log.Printf("append failed for key %s: %v", key, err)
			continue
		}
		keys = append(keys, key)
	}
	log.Printf("inserts took %v", time.Since(start))

	if *deletes > 0 && len(keys) > 0 {
		log.Printf("deleting %d keys", *deletes)
		start = time.Now()
		for i := 0; i < *deletes && i < len(keys); i++ {
			idx := rng.Intn(len(keys))
			if err := tree.Delete(keys[idx], []byte(fmt.Sprintf("v%d", idx))); err != nil {
				log.Printf("delete failed: %v", err)
			}
		}
		log.Printf("deletes took %v", time.Since(start))
	}

	log.Printf("record count: %d, tombstone count: %d, height: %d",
		tree.GetRecordCnt(), tree.GetTombstoneCnt(), tree.GetHeight())

	lo := []byte(fmt.Sprintf("%012d", 0))
	hi := []byte(fmt.Sprintf("%012d", *amount*4))

	var totalAttempts, totalRejections int
	start = time.Now()
	for i := 0; i < *samples; i++ {
		_, stats, err := tree.RangeSample(lo, hi, *sampleSize, rng)
		if err != nil {
			log.Printf("sample %d failed: %v", i, err)
			continue
		}
		totalAttempts += stats.Attempts
		totalRejections += stats.Rejections
	}
	elapsed := time.Since(start)

	log.Printf("%d samples of size %d took %v (%.2f samples/sec)",
		*samples, *sampleSize, elapsed, float64(*samples)/elapsed.Seconds())
	if totalAttempts > 0 {
		log.Printf("overall rejection rate: %.4f", float64(totalRejections)/float64(totalAttempts))
	}
}
