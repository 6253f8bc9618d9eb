package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"time"

	powerping "github.com/MoorCheung/PowerPing"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var (
	root *cobra.Command
)

func init() {
	root = &cobra.Command{
		Use:   "powerping",
		Short: "raw socket ICMP prober",
		Run:   run,
	}
	cobra.OnInitialize()
	root.PersistentFlags().StringP("target", "t", "8.8.8.8", "target ip address, must already be numeric, no name resolution")
	root.PersistentFlags().IntP("count", "c", 5, "number of probes to send")
	root.PersistentFlags().Bool("continuous", false, "probe until interrupted")
	root.PersistentFlags().DurationP("interval", "i", time.Second, "pause between probes")
	root.PersistentFlags().DurationP("timeout", "w", 3*time.Second, "wait per reply")
	root.PersistentFlags().Int("ttl", 255, "time to live on outgoing packets")
	root.PersistentFlags().Bool("df", false, "set don't-fragment")
	root.PersistentFlags().Int("rcv_buffer", 5*1024*1024, "socket receive buffer size in bytes")
	root.PersistentFlags().StringP("message", "m", "", "payload text")
	root.PersistentFlags().Bool("random_msg", false, "randomize payload text every probe")
	root.PersistentFlags().Bool("random_interval", false, "randomize pause between probes")
	root.PersistentFlags().Duration("interval_min", 500*time.Millisecond, "lower bound for random pause")
	root.PersistentFlags().Duration("interval_max", 2*time.Second, "upper bound for random pause")
	root.PersistentFlags().Uint8("type", 0, "icmp type override, 0 means echo request")
	root.PersistentFlags().Uint8("code", 0, "icmp code override")
	root.PersistentFlags().BoolP("verbose", "v", false, "debug logging")
}

func run(cmd *cobra.Command, args []string) {
	target, _ := root.PersistentFlags().GetString("target")
	count, _ := root.PersistentFlags().GetInt("count")
	continuous, _ := root.PersistentFlags().GetBool("continuous")
	interval, _ := root.PersistentFlags().GetDuration("interval")
	timeout, _ := root.PersistentFlags().GetDuration("timeout")
	ttl, _ := root.PersistentFlags().GetInt("ttl")
	df, _ := root.PersistentFlags().GetBool("df")
	rcvBuf, _ := root.PersistentFlags().GetInt("rcv_buffer")
	message, _ := root.PersistentFlags().GetString("message")
	randomMsg, _ := root.PersistentFlags().GetBool("random_msg")
	randomInterval, _ := root.PersistentFlags().GetBool("random_interval")
	intervalMin, _ := root.PersistentFlags().GetDuration("interval_min")
	intervalMax, _ := root.PersistentFlags().GetDuration("interval_max")
	typ, _ := root.PersistentFlags().GetUint8("type")
	code, _ := root.PersistentFlags().GetUint8("code")
	verbose, _ := root.PersistentFlags().GetBool("verbose")

	logger := zap.NewNop()
	if verbose {
		logger, _ = zap.NewDevelopment()
	}
	defer logger.Sync()

	conf := powerping.Config{
		Addr:           target,
		Count:          count,
		Continuous:     continuous,
		Interval:       interval,
		Timeout:        timeout,
		TTL:            ttl,
		DontFragment:   df,
		RecvBufferSize: rcvBuf,
		Message:        message,
		RandomMsg:      randomMsg,
		RandomInterval: randomInterval,
		IntervalMin:    intervalMin,
		IntervalMax:    intervalMax,
		Type:           typ,
		Code:           code,
	}

	engine, err := powerping.New(conf, powerping.WithLogger(logger))
	if err != nil {
		fmt.Printf("bad probe config (%v)\n", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	fmt.Printf("probing %v:\n", target)
	res, err := engine.Run(ctx, func(r powerping.Results) {
		seq := len(r.Rtts)
		if r.CurrRtt < 0 {
			fmt.Printf("no reply from %v: seq=%v\n", target, seq)
			return
		}
		fmt.Printf("reply from %v: seq=%v time=%v\n", target, seq, r.CurrRtt)
	})
	if err != nil {
		if errors.Is(err, powerping.ErrPermissionDenied) {
			fmt.Println("raw sockets require elevated privileges, run as root or grant CAP_NET_RAW")
		} else {
			fmt.Printf("probe failed (%v)\n", err)
		}
		os.Exit(1)
	}

	printSummary(target, &res)
}

func printSummary(target string, res *powerping.Results) {
	fmt.Printf("\n--- %v probe statistics ---\n", target)
	fmt.Printf("sent=%v received=%v lost=%v (%.1f%% loss)\n",
		res.Sent, res.Received, res.Lost, res.Loss()*100)
	if res.Received > 0 {
		fmt.Printf("rtt min/avg/max = %v/%v/%v\n", res.MinRtt(), res.AvgRtt(), res.MaxRtt())
	}
	for key, n := range res.TypeHistogram {
		fmt.Printf("%v: %v\n", powerping.TypeCodeName(key, res.Ipv4), n)
	}
	if res.ScanWasCanceled {
		fmt.Println("probe was cancelled, partial results above")
	}
	if res.HasOverflowed {
		fmt.Println("counters saturated during this run")
	}
	fmt.Printf("total time %v\n", res.TotalRunTime)
}

func main() {
	err := root.Execute()
	if err != nil {
		panic(err)
	}
}
