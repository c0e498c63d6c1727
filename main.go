/*
Command kommunikationszentrum runs the mail gate: it decides accept, reject
or quarantine for each SMTP stage the MTA asks about, keeps the audit trail
of those decisions, and maintains the account directory synchronized from the
identity provider.
*/
package main

import (
	"flag"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"

	"github.com/mjl-/sconf"

	"github.com/enaut/kommunikationszentrum/config"
	"github.com/enaut/kommunikationszentrum/kz-"
	"github.com/enaut/kommunikationszentrum/kzvar"
	"github.com/enaut/kommunikationszentrum/mlog"
)

var commands = []struct {
	cmd string
	fn  func(c *cmd)
}{
	{"serve", cmdServe},
	{"describeconf", cmdDescribeconf},
	{"version", cmdVersion},
}

type cmd struct {
	words []string
	fn    func(c *cmd)

	flag     *flag.FlagSet
	flagArgs []string

	params string
	help   string
}

func (c *cmd) Parse() []string {
	c.flag.Usage = c.Usage
	c.flag.Parse(c.flagArgs)
	return c.flag.Args()
}

func (c *cmd) Usage() {
	fmt.Fprintf(os.Stderr, "usage: kommunikationszentrum %s %s\n", strings.Join(c.words, " "), c.params)
	if c.help != "" {
		fmt.Fprintln(os.Stderr, c.help)
	}
	c.flag.PrintDefaults()
	os.Exit(2)
}

func usage() {
	fmt.Fprintln(os.Stderr, "usage: kommunikationszentrum [-config kz.conf] [-loglevel level] command ...")
	for _, c := range commands {
		fmt.Fprintf(os.Stderr, "\tkommunikationszentrum %s\n", c.cmd)
	}
	os.Exit(2)
}

func main() {
	var loglevel string
	flag.StringVar(&kz.ConfigPath, "config", envString("KZCONF", filepath.FromSlash("config/kz.conf")), "configuration file, defaults to $KZCONF with a fallback to config/kz.conf")
	flag.StringVar(&loglevel, "loglevel", "", "if non-empty, this log level is set early in startup")
	flag.Usage = usage
	flag.Parse()
	args := flag.Args()
	if len(args) == 0 {
		usage()
	}

	ll := loglevel
	if ll == "" {
		ll = "info"
	}
	if level, ok := mlog.Levels[ll]; ok {
		mlog.SetConfig(map[string]mlog.Level{"": level})
		// note: SetConfig is called again when serve loads the config.
	} else {
		log.Fatalf("unknown loglevel %q", loglevel)
	}

	for _, xc := range commands {
		words := strings.Split(xc.cmd, " ")
		if len(args) < len(words) {
			continue
		}
		match := true
		for i, w := range words {
			if args[i] != w {
				match = false
				break
			}
		}
		if !match {
			continue
		}
		c := cmd{words: words, fn: xc.fn}
		c.flag = flag.NewFlagSet("kommunikationszentrum "+xc.cmd, flag.ExitOnError)
		c.flagArgs = args[len(words):]
		c.fn(&c)
		return
	}
	usage()
}

func envString(k, def string) string {
	if s := os.Getenv(k); s != "" {
		return s
	}
	return def
}

func cmdDescribeconf(c *cmd) {
	c.params = ""
	c.help = "Print an annotated example configuration file."
	c.Parse()

	err := sconf.Describe(os.Stdout, &config.Static{})
	if err != nil {
		log.Fatalf("describing config: %s", err)
	}
}

func cmdVersion(c *cmd) {
	c.params = ""
	c.help = "Print the version of this kommunikationszentrum binary."
	c.Parse()

	fmt.Println(kzvar.Version)
}
