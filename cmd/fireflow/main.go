// Command fireflow drives remote calculation jobs over a FirecREST facade:
// ingest clients, codes and calcjobs into a project directory, run the
// unfinished ones, and inspect the results.
package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/joho/godotenv"

	"github.com/fireflow/fireflow/internal/domain"
	"github.com/fireflow/fireflow/internal/filter"
)

// Exit codes: 0 success, 1 user error, 2 transport/remote failure,
// 3 storage integrity failure.
const (
	exitOK        = 0
	exitUser      = 1
	exitTransport = 2
	exitIntegrity = 3
)

func main() {
	// A .env next to the invocation may carry FIRECREST_LOCAL_TESTING and
	// friends; missing files are fine.
	godotenv.Load()

	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(exitCode(err))
	}
}

func exitCode(err error) int {
	var undeletable *domain.UnDeletableError
	if errors.As(err, &undeletable) {
		return exitIntegrity
	}
	var filterErr *filter.StringError
	if errors.As(err, &filterErr) {
		return exitUser
	}
	var kinded *domain.Error
	if errors.As(err, &kinded) {
		switch kinded.Kind {
		case domain.KindTransport, domain.KindRuntime:
			return exitTransport
		case domain.KindIntegrity:
			return exitIntegrity
		default:
			return exitUser
		}
	}
	return exitUser
}
