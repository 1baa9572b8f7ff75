// Command bench hammers mintgate. "store" races claims against a throwaway
// database in-process, "quote" loads a running server and "redeem" fires
// the same proof many times at once and counts the mints.
package main

import (
	"fmt"
	"log"
	"math/rand"
	"os"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"mintgate/ladder"
	"mintgate/ledger"
	"mintgate/mg"
	"mintgate/registry"
	"mintgate/store"

	"github.com/cockroachdb/errors"
	json "github.com/goccy/go-json"
	"github.com/urfave/cli/v2"
	"github.com/valyala/fasthttp"
	"go.uber.org/zap"
)

func main() {
	app := &cli.App{
		Name: "bench",
		Commands: []*cli.Command{
			{
				Name: "store",
				Flags: []cli.Flag{
					&cli.IntFlag{Name: "parallel", Value: 200},
					&cli.IntFlag{Name: "keys", Value: 1000},
					&cli.IntFlag{Name: "slots", Value: 500},
				},
				Action: func(c *cli.Context) error {
					return BenchmarkStore(c.Int("parallel"), c.Int("keys"), int64(c.Int("slots")))
				},
			},
			{
				Name: "quote",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "url", Value: "http://localhost:8080"},
					&cli.IntFlag{Name: "parallel", Value: 100},
					&cli.IntFlag{Name: "n", Value: 10},
				},
				Action: func(c *cli.Context) error {
					return BenchmarkQuote(c.String("url"), c.Int("parallel"), c.Int("n"))
				},
			},
			{
				Name: "redeem",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "url", Value: "http://localhost:8080"},
					&cli.StringFlag{Name: "token", Required: true},
					&cli.StringFlag{Name: "tx"},
					&cli.IntFlag{Name: "parallel", Value: 50},
				},
				Action: func(c *cli.Context) error {
					return DoubleRedeem(c.String("url"), c.String("token"), c.String("tx"), c.Int("parallel"))
				},
			},
		},
	}
	if err := app.Run(os.Args); err != nil {
		log.Fatal(err)
	}
}

// BenchmarkStore races every goroutine on the same tx ids, addresses and
// ladder, then checks nothing was handed out twice.
func BenchmarkStore(parallel, keys int, slots int64) error {
	dir, err := os.MkdirTemp("", "mintgate-bench")
	if err != nil {
		return err
	}
	defer os.RemoveAll(dir)
	b, err := store.OpenPebble(dir, nil)
	if err != nil {
		return err
	}
	s := store.Open(b, zap.NewNop())
	defer s.Close()

	led := ledger.New(s, nil)
	reg := registry.New(s, mg.NSFree, int64(keys/2), false, nil)
	lad, err := ladder.New(s, []int64{slots / 2, slots - slots/2}, 100, 100, nil)
	if err != nil {
		return err
	}

	var claims, reserves, soldOut, ops int64
	var mu sync.Mutex
	taken := map[[2]int64]int{}

	start := time.Now()
	var wg sync.WaitGroup
	for i := 0; i < parallel; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			rnd := rand.New(rand.NewSource(time.Now().UnixNano()))
			for _, j := range rnd.Perm(keys) {
				if _, err := led.ClaimOnce(fmt.Sprintf("%032x", j), nil); err == nil {
					atomic.AddInt64(&claims, 1)
				}
				if reg.Reserve(fmt.Sprintf("sp1bench%024d", j), reg.Limit()) == nil {
					atomic.AddInt64(&reserves, 1)
				}
				slot, err := lad.Reserve()
				switch {
				case err == nil:
					mu.Lock()
					taken[[2]int64{int64(slot.Cohort), slot.Index}]++
					mu.Unlock()
				case errors.Is(err, ladder.ErrSoldOut):
					atomic.AddInt64(&soldOut, 1)
				}
				atomic.AddInt64(&ops, 3)
			}
		}()
	}
	wg.Wait()
	took := time.Since(start)

	for k, n := range taken {
		if n > 1 {
			return errors.Newf("slot %v handed out %d times", k, n)
		}
	}
	count, err := reg.Peek()
	if err != nil {
		return err
	}
	log.Printf("claims=%d/%d reserves=%d/%d (count %d) slots=%d/%d soldOut=%d",
		claims, keys, reserves, keys/2, count.Count, len(taken), slots, soldOut)
	log.Printf("%d ops in %d ms, %.0f ops/sec", ops, took.Milliseconds(), float64(ops)/took.Seconds())
	if claims != int64(keys) || reserves != int64(keys/2) || int64(len(taken)) != slots {
		return errors.New("exactly-once violated")
	}
	return nil
}

func post(c *fasthttp.Client, url string, body interface{}) (int, []byte, error) {
	d, err := json.Marshal(body)
	if err != nil {
		return 0, nil, err
	}
	req := fasthttp.AcquireRequest()
	resp := fasthttp.AcquireResponse()
	defer fasthttp.ReleaseRequest(req)
	defer fasthttp.ReleaseResponse(resp)
	req.Header.SetMethod("POST")
	req.SetRequestURI(url)
	req.SetBody(d)
	if err := c.Do(req, resp); err != nil {
		return 0, nil, err
	}
	return resp.StatusCode(), append([]byte(nil), resp.Body()...), nil
}

func BenchmarkQuote(u string, parallel, n int) error {
	c := &fasthttp.Client{MaxConnsPerHost: 50000}
	var mu sync.Mutex
	var lat []time.Duration
	codes := map[int]int{}

	var wg sync.WaitGroup
	for i := 0; i < parallel; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			for j := 0; j < n; j++ {
				start := time.Now()
				code, _, err := post(c, u+"/api/quote", map[string]string{
					"receiverSparkAddress": fmt.Sprintf("sp1bench%012d%012d", i, j),
				})
				if err != nil {
					panic(err)
				}
				mu.Lock()
				lat = append(lat, time.Since(start))
				codes[code]++
				mu.Unlock()
			}
		}(i)
	}
	wg.Wait()
	sort.Slice(lat, func(i, j int) bool { return lat[i] < lat[j] })
	log.Printf("quotes=%d codes=%v p50=%v p99=%v max=%v", len(lat), codes,
		lat[len(lat)/2], lat[len(lat)*99/100], lat[len(lat)-1])
	return nil
}

// DoubleRedeem submits one proof parallel times at once. At most one of
// them may mint.
func DoubleRedeem(u, token, tx string, parallel int) error {
	c := &fasthttp.Client{MaxConnsPerHost: 50000}
	var minted int64
	var mu sync.Mutex
	reasons := map[string]int{}

	var wg sync.WaitGroup
	for i := 0; i < parallel; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, body, err := post(c, u+"/api/redeem", map[string]string{"token": token, "txId": tx})
			if err != nil {
				panic(err)
			}
			var res struct {
				Minted bool   `json:"minted"`
				Error  string `json:"error"`
			}
			if err := json.Unmarshal(body, &res); err != nil {
				panic(fmt.Sprintf("bad response %s", body))
			}
			if res.Minted {
				atomic.AddInt64(&minted, 1)
			}
			mu.Lock()
			reasons[res.Error]++
			mu.Unlock()
		}()
	}
	wg.Wait()
	log.Printf("minted=%d outcomes=%v", minted, reasons)
	if minted > 1 {
		return errors.Newf("proof minted %d times", minted)
	}
	return nil
}
