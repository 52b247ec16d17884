// Package client implements the telemetry link to one instrument.
//
// A Context registers with the instrument over TCP, answers its challenge,
// receives the configuration blob and builds the channel table from it,
// then dispatches data and status packets until it is told to stop or the
// connection faults. The link moves through the states
//
//	IDLE -> CONN -> REQ -> RESP -> XML -> CFG -> RUNWAIT -> RUN
//
// and returns through DEALLOC to WAIT, IDLE or TERM. Faults are retried
// after a delay that depends on the error; see Backoff and the Retry
// constants.
//
// # Usage Example
//
//	ctx, err := client.New(client.Options{}, client.Callbacks{
//	    MiniSEED: func(rec lcq.Record) { out.Write(rec.Data) },
//	}, cfg, store)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer ctx.Destroy()
//
//	err = ctx.Register(client.RegisterOptions{
//	    Address:  "192.168.1.50:5330",
//	    Serial:   0x1122334455667788,
//	    Password: password,
//	})
//
// # Concurrency
//
// Each Context runs one worker goroutine that owns the socket, the timers
// and the channel queues. Methods may be called from any goroutine.
// Callbacks run on the worker goroutine, in receipt order.
package client
