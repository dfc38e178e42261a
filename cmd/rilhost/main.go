// Command rilhost is a stand-in for the telephony process. It embeds a runtime
// that already uses the SMS message class, starts the injector, and then
// serves a small epoll loop that decodes a message whenever its pipe becomes
// readable.
package main

import (
	"errors"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/tliron/commonlog"
	_ "github.com/tliron/commonlog/simple"
	"golang.org/x/sys/unix"

	"github.com/scintill/rilinject"
	"github.com/scintill/rilinject/dvm"
	"github.com/scintill/rilinject/jni"
	"github.com/scintill/rilinject/locator"
)

var log = commonlog.GetLogger("rilhost")

const (
	smsClass = "com/android/internal/telephony/gsm/SmsMessage"
	cmtSig   = "([Ljava/lang/String;)Lcom/android/internal/telephony/gsm/SmsMessage;"
)

func main() {
	configPath := flag.String("config", "", "Configuration file (defaults to $"+rilinject.ConfigEnv+")")
	art := flag.Bool("art", false, "Run the ahead-of-time runtime family")
	build := flag.String("build", "", "Runtime build string to report")
	demo := flag.Bool("demo", false, "Write a demo payload bundle to a temporary directory and use it")
	messages := flag.Int("n", 3, "Number of messages to deliver")
	verbose := flag.Bool("v", false, "Verbose output")
	flag.Parse()

	verbosity := 1
	if *verbose {
		verbosity = 2
	}
	commonlog.Configure(verbosity, nil)

	if err := run(*configPath, *art, *build, *demo, *messages); err != nil {
		fmt.Fprintf(os.Stderr, "rilhost: %v\n", err)
		os.Exit(1)
	}
}

func run(configPath string, art bool, build string, demo bool, messages int) error {
	cfg, err := loadConfig(configPath)
	if err != nil {
		return err
	}

	opts := dvm.Options{Build: build}
	if art {
		opts.Family = dvm.ART
	}
	rt, err := dvm.New(opts)
	if err != nil {
		return err
	}
	if err := rt.Define(dvm.NewBundle(smsMessage())); err != nil {
		return err
	}
	locator.Default.Register(rt.Library())

	if demo {
		dir, err := os.MkdirTemp("", "rilhost")
		if err != nil {
			return err
		}
		defer os.RemoveAll(dir)
		if cfg.Bundle, err = writeDemoBundle(dir); err != nil {
			return err
		}
	}

	env := rt.Env()
	sms := env.FindClass(smsClass)
	if sms == nil {
		return fmt.Errorf("host class: %s", env.ExceptionDescribe())
	}
	newFromCMT := env.GetStaticMethodID(sms, "newFromCMT", cmtSig)
	if newFromCMT == nil {
		return fmt.Errorf("host method: %s", env.ExceptionDescribe())
	}

	// This loop waits through the Go syscall package, never libc.
	cfg.Trigger = rilinject.GoTrigger
	in, err := rilinject.Start(cfg)
	if err != nil {
		log.Errorf("injector not armed: %s", err)
	}

	if err := serve(env, sms, newFromCMT, messages); err != nil {
		return err
	}

	if in != nil {
		fmt.Printf("injector: %s after %s\n", in.State(), in.Reached())
		if err := in.Err(); err != nil {
			fmt.Printf("setup error: %s\n", err)
		}
	}
	if demo {
		if v, ok := rt.PeekStatic("net/example/Payload", "count"); ok {
			fmt.Printf("payload saw %v messages\n", v)
		}
	}
	return nil
}

func loadConfig(path string) (rilinject.Config, error) {
	if path == "" {
		return rilinject.ConfigFromEnv()
	}
	return rilinject.LoadConfig(path)
}

// serve delivers messages lines over a pipe and decodes each one through the
// runtime.
func serve(env jni.Env, sms jni.Class, newFromCMT jni.MethodID, messages int) error {
	var p [2]int
	if err := unix.Pipe2(p[:], unix.O_CLOEXEC|unix.O_NONBLOCK); err != nil {
		return fmt.Errorf("pipe: %w", err)
	}
	defer unix.Close(p[0])
	defer unix.Close(p[1])

	epfd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return fmt.Errorf("epoll: %w", err)
	}
	defer unix.Close(epfd)

	ev := unix.EpollEvent{Events: unix.EPOLLIN, Fd: int32(p[0])}
	if err := unix.EpollCtl(epfd, unix.EPOLL_CTL_ADD, p[0], &ev); err != nil {
		return fmt.Errorf("epoll_ctl: %w", err)
	}

	// Called through a variable so every call reaches the patched entry.
	wait := unix.EpollWait
	events := make([]unix.EpollEvent, 4)
	buf := make([]byte, 512)
	for i := 0; i < messages; i++ {
		line := fmt.Sprintf("+CMT: ,%d\n0791%04d\n", 20+i, i)
		if _, err := unix.Write(p[1], []byte(line)); err != nil {
			return fmt.Errorf("write: %w", err)
		}

		n, err := wait(epfd, events, 1000)
		if errors.Is(err, unix.EINTR) {
			i--
			continue
		}
		if err != nil {
			return fmt.Errorf("epoll_wait: %w", err)
		}
		for _, e := range events[:n] {
			r, err := unix.Read(int(e.Fd), buf)
			if err != nil {
				return fmt.Errorf("read: %w", err)
			}
			decode(env, sms, newFromCMT, string(buf[:r]))
		}
	}
	return nil
}

func decode(env jni.Env, sms jni.Class, newFromCMT jni.MethodID, text string) {
	var lines []jni.Value
	for _, l := range strings.Split(strings.TrimSpace(text), "\n") {
		lines = append(lines, env.NewStringUTF(l))
	}
	msg := env.CallStaticObjectMethod(sms, newFromCMT, env.NewObjectArray(lines...))
	if env.ExceptionCheck() {
		log.Errorf("decoding: %s", env.ExceptionDescribe())
		return
	}
	log.Infof("decoded %v", msg)
}

func smsMessage() dvm.ClassDef {
	return dvm.ClassDef{
		Name: smsClass,
		Methods: []dvm.MethodDef{{
			Name: "newFromCMT", Descriptor: cmtSig, Flags: dvm.AccPublic | dvm.AccStatic,
			Code: []dvm.Insn{
				{Op: dvm.OpNew, Class: smsClass},
				{Op: dvm.OpDup},
				{Op: dvm.OpLoadArg, A: 0},
				{Op: dvm.OpPutField, Name: "pdu"},
				{Op: dvm.OpReturn},
			},
		}},
	}
}

// writeDemoBundle writes a payload that counts the messages it sees.
func writeDemoBundle(dir string) (rilinject.Bundle, error) {
	b := rilinject.Bundle{
		Path:     filepath.Join(dir, "payload.dvmb"),
		CacheDir: filepath.Join(dir, "cache"),
		Class:    "net/example/Payload",
	}
	if err := os.Mkdir(b.CacheDir, 0o700); err != nil {
		return b, err
	}
	payload := dvm.ClassDef{
		Name:    "net/example/Payload",
		Statics: []string{"count"},
		Methods: []dvm.MethodDef{
			{
				Name: "<clinit>", Descriptor: "()V", Flags: dvm.AccStatic,
				Code: []dvm.Insn{
					{Op: dvm.OpConst, A: 0},
					{Op: dvm.OpPutStatic, Name: "count"},
					{Op: dvm.OpReturnVoid},
				},
			},
			{
				Name: "onNewFromCMT", Descriptor: "(Ljava/lang/Object;)V", Flags: dvm.AccPublic | dvm.AccStatic,
				Code: []dvm.Insn{
					{Op: dvm.OpGetStatic, Name: "count"},
					{Op: dvm.OpConst, A: 1},
					{Op: dvm.OpAdd},
					{Op: dvm.OpPutStatic, Name: "count"},
					{Op: dvm.OpReturnVoid},
				},
			},
		},
	}
	return b, dvm.WriteBundle(b.Path, dvm.NewBundle(payload))
}
