// Command firecrest-stub serves the in-process FirecREST stub over HTTP, for
// local demo runs against a synthetic remote machine.
//
// WARNING: every response is synthesised; nothing touches a real scheduler.
package main

import (
	"flag"
	"fmt"
	"log"
	"net/http"

	"github.com/fireflow/fireflow/internal/firecrest"
)

func main() {
	port := flag.Int("port", 8123, "port to listen on")
	polls := flag.Int("scheduler-polls", 0, "acct polls a job reports RUNNING before COMPLETED (-1 = never complete)")
	flag.Parse()

	stub := firecrest.NewStubServer()
	stub.SchedulerPolls = *polls
	stub.SetBaseURL(fmt.Sprintf("http://localhost:%d", *port))

	log.Printf("[Stub] serving FirecREST stub on :%d", *port)
	if err := http.ListenAndServe(fmt.Sprintf(":%d", *port), stub.Handler()); err != nil {
		log.Fatalf("[Stub] server failed: %v", err)
	}
}
