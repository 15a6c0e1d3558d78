package main

import (
	"bufio"
	"context"
	"crypto/ed25519"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"path/filepath"
	"strings"

	"github.com/docopt/docopt-go"
	"github.com/gorilla/websocket"
	"gopkg.in/yaml.v3"

	"github.com/sour-is/livemsg/pkg/authreq"
)

var usage = `Livemsg CLI.
usage:
  livemsg-cli gen   [--key KEY] [--force]
  livemsg-cli ls    [--host HOST] [--order ORDER] [--first N] [--after CURSOR] [<where>...]
  livemsg-cli get   [--host HOST] <pk>
  livemsg-cli post  [--host HOST] [--key KEY] <filename>
  livemsg-cli patch [--host HOST] [--key KEY] [--if-version V] <pk> <filename>
  livemsg-cli rm    [--host HOST] [--key KEY] [--if-version V] <pk>
  livemsg-cli watch [--host HOST] [--order ORDER] [--first N] [<where>...]

Predicates are given as field=value. A value of null matches unset fields.
Files hold one YAML document per message.

Options:
  --key <key>         From key [default: ` + configPath("livemsg/$USER.key") + `]
  --host <host>       Hostname to use [default: http://localhost:8080]
  --order <order>     Ordering selector, like CREATED_AT_DESC [default: NATURAL]
  --first <n>         Page size [default: 20]
  --after <cursor>    Start after this cursor
  --if-version <v>    Only apply when the record is at this version
  --force, -f         Force recreate key for gen
`

type opts struct {
	Gen   bool `docopt:"gen"`
	List  bool `docopt:"ls"`
	Get   bool `docopt:"get"`
	Post  bool `docopt:"post"`
	Patch bool `docopt:"patch"`
	Rm    bool `docopt:"rm"`
	Watch bool `docopt:"watch"`

	Key       string   `docopt:"--key"`
	Host      string   `docopt:"--host"`
	Order     string   `docopt:"--order"`
	First     string   `docopt:"--first"`
	After     string   `docopt:"--after"`
	IfVersion string   `docopt:"--if-version"`
	File      string   `docopt:"<filename>"`
	PK        string   `docopt:"<pk>"`
	Where     []string `docopt:"<where>"`

	Force bool `docopt:"--force"`
}

func main() {
	o, err := docopt.ParseDoc(usage)
	if err != nil {
		fmt.Println(err)
		os.Exit(2)
	}

	var opts opts
	if err := o.Bind(&opts); err != nil {
		fmt.Println(err)
		os.Exit(2)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, os.Kill)
	go func() {
		<-ctx.Done()
		defer cancel() // restore interrupt function
	}()

	if err := run(ctx, opts); err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
}

func run(ctx context.Context, opts opts) error {
	switch {
	case opts.Gen:
		err := mkKeyfile(opts.Key, opts.Force)
		if err != nil {
			return err
		}
		fmt.Println("wrote keyfile to", opts.Key)

	case opts.List:
		u, err := listURL(opts)
		if err != nil {
			return err
		}
		return do(ctx, http.MethodGet, u, nil, nil)

	case opts.Get:
		u, err := recordURL(opts)
		if err != nil {
			return err
		}
		return do(ctx, http.MethodGet, u, nil, nil)

	case opts.Post:
		u, err := resource(opts.Host)
		if err != nil {
			return err
		}
		key, err := readKeyfile(opts.Key)
		if err != nil {
			return err
		}
		return eachDoc(opts.File, func(body []byte) error {
			return do(ctx, http.MethodPost, u, body, key)
		})

	case opts.Patch:
		u, err := recordURL(opts)
		if err != nil {
			return err
		}
		key, err := readKeyfile(opts.Key)
		if err != nil {
			return err
		}
		return eachDoc(opts.File, func(body []byte) error {
			if opts.IfVersion != "" {
				body, err = withVersion(body, opts.IfVersion)
				if err != nil {
					return err
				}
			}
			return do(ctx, http.MethodPatch, u, body, key)
		})

	case opts.Rm:
		u, err := recordURL(opts)
		if err != nil {
			return err
		}
		if opts.IfVersion != "" {
			q := u.Query()
			q.Set("ifVersion", opts.IfVersion)
			u.RawQuery = q.Encode()
		}
		key, err := readKeyfile(opts.Key)
		if err != nil {
			return err
		}
		return do(ctx, http.MethodDelete, u, nil, key)

	case opts.Watch:
		u, err := listURL(opts)
		if err != nil {
			return err
		}
		return watch(ctx, u)
	}

	return nil
}

func resource(host string) (*url.URL, error) {
	u, err := url.Parse(host)
	if err != nil {
		return nil, err
	}
	u.Path = "/api/v1/messages"
	return u, nil
}

func listURL(opts opts) (*url.URL, error) {
	u, err := resource(opts.Host)
	if err != nil {
		return nil, err
	}

	q := u.Query()
	q.Set("orderBy", opts.Order)
	q.Set("first", opts.First)
	if opts.After != "" {
		q.Set("after", opts.After)
	}
	for _, w := range opts.Where {
		name, value, ok := strings.Cut(w, "=")
		if !ok {
			return nil, fmt.Errorf("predicate %q is not field=value", w)
		}
		q.Set(name, value)
	}
	u.RawQuery = q.Encode()

	return u, nil
}

func recordURL(opts opts) (*url.URL, error) {
	u, err := resource(opts.Host)
	if err != nil {
		return nil, err
	}
	u.Path += "/" + url.PathEscape(opts.PK)
	return u, nil
}

// do sends the request, signed when key is set, and prints the response.
func do(ctx context.Context, method string, u *url.URL, body []byte, key ed25519.PrivateKey) error {
	var r io.Reader
	if body != nil {
		r = strings.NewReader(string(body))
	}

	req, err := http.NewRequestWithContext(ctx, method, u.String(), r)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "text/plain, application/json;q=0.5")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if key != nil {
		if err := authreq.Sign(req, key); err != nil {
			return err
		}
	}

	res, err := http.DefaultClient.Do(req)
	if err != nil {
		return err
	}
	defer res.Body.Close()

	s, err := io.ReadAll(res.Body)
	if err != nil {
		return err
	}

	if method != http.MethodGet || res.StatusCode >= 400 {
		fmt.Println(res.Status)
	}
	fmt.Print(string(s))

	return nil
}

// watch prints every page the server pushes until interrupted.
func watch(ctx context.Context, u *url.URL) error {
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	default:
		u.Scheme = "ws"
	}

	conn, res, err := websocket.DefaultDialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		if res != nil {
			b, _ := io.ReadAll(res.Body)
			return fmt.Errorf("%w: %s %s", err, res.Status, b)
		}
		return err
	}
	defer conn.Close()

	go func() {
		<-ctx.Done()
		conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		conn.Close()
	}()

	for {
		var page struct {
			Edges []struct {
				Cursor string `json:"cursor"`
				Node   struct {
					PK      int64          `json:"pk"`
					Version uint64         `json:"version"`
					Fields  map[string]any `json:"fields"`
				} `json:"node"`
			} `json:"edges"`
			TotalCount int    `json:"totalCount"`
			Version    uint64 `json:"version"`
		}
		if err := conn.ReadJSON(&page); err != nil {
			if ctx.Err() != nil || websocket.IsCloseError(err, websocket.CloseNormalClosure) {
				return nil
			}
			return err
		}

		fmt.Printf("# version %d, %d total\n", page.Version, page.TotalCount)
		for _, e := range page.Edges {
			fmt.Printf("%d\t%d\t%s\t%v\n", e.Node.PK, e.Node.Version, e.Cursor, e.Node.Fields)
		}
	}
}

// eachDoc calls fn with every YAML document in the file as a JSON object.
func eachDoc(filename string, fn func([]byte) error) error {
	fp, err := os.Open(filename)
	if err != nil {
		return err
	}
	defer fp.Close()

	y := yaml.NewDecoder(fp)
	for {
		var doc map[string]any
		err = y.Decode(&doc)
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return err
		}

		b, err := json.Marshal(doc)
		if err != nil {
			return err
		}
		if err := fn(b); err != nil {
			return err
		}
	}
}

func withVersion(body []byte, v string) ([]byte, error) {
	var doc map[string]any
	if err := json.Unmarshal(body, &doc); err != nil {
		return nil, err
	}
	doc["ifVersion"] = json.Number(v)
	return json.Marshal(doc)
}

func configPath(name string) string {
	dir, err := os.UserConfigDir()
	if err != nil {
		dir = "."
	}
	return filepath.Join(dir, os.ExpandEnv(name))
}

func enc(b []byte) string {
	return base64.RawURLEncoding.EncodeToString(b)
}
func dec(s string) ([]byte, error) {
	s = strings.TrimSpace(s)
	return base64.RawURLEncoding.DecodeString(s)
}

func mkKeyfile(keyfile string, force bool) error {
	pub, priv, err := ed25519.GenerateKey(nil)
	if err != nil {
		return err
	}

	err = os.MkdirAll(filepath.Dir(keyfile), 0700)
	if err != nil {
		return err
	}

	_, err = os.Stat(keyfile)
	if !os.IsNotExist(err) {
		if force {
			fmt.Println("removing keyfile", keyfile)
			err = os.Remove(keyfile)
			if err != nil {
				return err
			}
		} else {
			return fmt.Errorf("the keyfile %s exists. use --force", keyfile)
		}
	}

	fp, err := os.OpenFile(keyfile, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0600)
	if err != nil {
		return err
	}
	fmt.Fprint(fp, "# pub: ", enc(pub), "\n", enc(priv))

	return fp.Close()
}

func readKeyfile(keyfile string) (ed25519.PrivateKey, error) {
	fd, err := os.Stat(keyfile)
	if err != nil {
		return nil, err
	}

	if fd.Mode()&0066 != 0 {
		return nil, fmt.Errorf("permissions are too weak")
	}

	f, err := os.Open(keyfile)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	scan := bufio.NewScanner(f)

	var key ed25519.PrivateKey
	for scan.Scan() {
		txt := scan.Text()
		if strings.HasPrefix(txt, "#") {
			continue
		}
		if strings.TrimSpace(txt) == "" {
			continue
		}

		b, err := dec(txt)
		if err != nil {
			return nil, err
		}
		key = b
	}
	if len(key) != ed25519.PrivateKeySize {
		return nil, fmt.Errorf("no key in %s", keyfile)
	}

	return key, scan.Err()
}
