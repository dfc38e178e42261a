// Package main builds librilinject.so, the shared object loaded into the host
// process. Loading it patches libc's epoll_wait to enter trigger.c, and setup
// runs on the first call. This is built with -buildmode=c-shared.
package main

/*
#include <stdint.h>

uintptr_t rilinject_trigger(void);
*/
import "C"

import (
	"github.com/tliron/commonlog"
	_ "github.com/tliron/commonlog/simple"

	"github.com/scintill/rilinject"
)

var log = commonlog.GetLogger("rilinject.main")

func init() {
	cfg, err := rilinject.ConfigFromEnv()
	if err != nil {
		configureLog(rilinject.DefaultConfig().Log)
		log.Errorf("not armed: %s", err)
		return
	}
	configureLog(cfg.Log)

	if _, err := rilinject.StartNative(cfg, uintptr(C.rilinject_trigger())); err != nil {
		log.Errorf("not armed: %s", err)
	}
}

func configureLog(l rilinject.Log) {
	var path *string
	if l.Path != "" {
		path = &l.Path
	}
	commonlog.Configure(l.Verbosity, path)
}

// rilinject_fire runs setup on the first call and reports whether epoll_wait
// is back to its original code.
//
//export rilinject_fire
func rilinject_fire() C.int {
	in := rilinject.Started()
	if in == nil || !in.Fire() {
		return 0
	}
	return 1
}

// rilinject_state reports the injector state, or -1 when it was never
// started.
//
//export rilinject_state
func rilinject_state() C.int32_t {
	in := rilinject.Started()
	if in == nil {
		return -1
	}
	return C.int32_t(in.State())
}

// rilinject_reached reports the last setup stage completed.
//
//export rilinject_reached
func rilinject_reached() C.int32_t {
	in := rilinject.Started()
	if in == nil {
		return -1
	}
	return C.int32_t(in.Reached())
}

func main() {}
