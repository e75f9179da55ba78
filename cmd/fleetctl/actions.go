package main

import (
	"context"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/hearthnet/fleet/pkg/adminapi"
	"github.com/hearthnet/fleet/pkg/migrate"
	"github.com/hearthnet/fleet/pkg/types"
)

// These exit codes mirror spec.md §6: 0 success, 1 generic failure, 2
// invalid arguments.
const (
	exitOK         = 0
	exitFailure    = 1
	exitInvalidArg = 2
)

func migrateDatabase(from, to, bucket string, chunkSize int) error {
	src, err := migrate.OpenBoltStore(from, bucket)
	if err != nil {
		return err
	}
	defer src.Close()

	tgt, err := migrate.OpenBoltStore(to, bucket)
	if err != nil {
		return err
	}
	defer tgt.Close()

	total, err := migrate.Run(context.Background(), src, tgt, chunkSize)
	if err != nil {
		return fmt.Errorf("fleetctl: migration failed after %d documents: %w", total, err)
	}
	fmt.Printf("migrated %d documents from %s to %s\n", total, from, to)
	return nil
}

func createByTask(addr, task string, amount int, start bool, node string, maxMemoryMiB int) error {
	c, err := adminapi.Dial(addr)
	if err != nil {
		return err
	}
	defer c.Close()

	var created []types.ServiceInfoSnapshot
	req := adminapi.CreateByTaskRequest{Task: task, Amount: amount, Start: start, Node: node, MaxMemoryMiB: maxMemoryMiB}
	if err := c.Call(adminapi.OpCreateByTask, req, &created); err != nil {
		return err
	}
	for _, s := range created {
		fmt.Printf("%s\t%s\t%s\n", s.ServiceID.UniqueID, s.ServiceID.Name(), s.LifeCycle)
	}
	return nil
}

func serviceList(addr string) error {
	snaps, err := fetchServices(addr)
	if err != nil {
		return err
	}
	printServices(snaps)
	return nil
}

func fetchServices(addr string) ([]types.ServiceInfoSnapshot, error) {
	c, err := adminapi.Dial(addr)
	if err != nil {
		return nil, err
	}
	defer c.Close()

	var snaps []types.ServiceInfoSnapshot
	if err := c.Call(adminapi.OpServiceList, nil, &snaps); err != nil {
		return nil, err
	}
	return snaps, nil
}

func printServices(snaps []types.ServiceInfoSnapshot) {
	w := tabwriter.NewWriter(os.Stdout, 0, 2, 2, ' ', 0)
	fmt.Fprintln(w, "NAME\tID\tNODE\tLIFECYCLE\tADDRESS")
	for _, s := range snaps {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n", s.ServiceID.Name(), s.ServiceID.UniqueID, s.ServiceID.NodeUniqueID, s.LifeCycle, s.Address)
	}
	w.Flush()
}

// matchingServices resolves a `service <pattern>` argument against the
// live roster fetched from addr, matching patterns by doublestar glob
// against each service's display name.
func matchingServices(addr, pattern string) ([]types.ServiceInfoSnapshot, error) {
	snaps, err := fetchServices(addr)
	if err != nil {
		return nil, err
	}
	var out []types.ServiceInfoSnapshot
	for _, s := range snaps {
		ok, err := doublestar.Match(pattern, s.ServiceID.Name())
		if err != nil {
			return nil, fmt.Errorf("fleetctl: invalid pattern %q: %w", pattern, err)
		}
		if ok {
			out = append(out, s)
		}
	}
	return out, nil
}

func serviceAction(addr, pattern, action string) error {
	targets, err := matchingServices(addr, pattern)
	if err != nil {
		return err
	}
	if len(targets) == 0 {
		return fmt.Errorf("fleetctl: no service matches %q", pattern)
	}

	c, err := adminapi.Dial(addr)
	if err != nil {
		return err
	}
	defer c.Close()

	for _, svc := range targets {
		if err := runServiceAction(c, svc, action); err != nil {
			return fmt.Errorf("fleetctl: %s %s: %w", action, svc.ServiceID.Name(), err)
		}
	}
	return nil
}

func runServiceAction(c *adminapi.Client, svc types.ServiceInfoSnapshot, action string) error {
	req := adminapi.ServiceIDRequest{ServiceUniqueID: svc.ServiceID.UniqueID}

	switch action {
	case "start":
		var snap types.ServiceInfoSnapshot
		if err := c.Call(adminapi.OpServiceStart, req, &snap); err != nil {
			return err
		}
		fmt.Printf("%s started (%s)\n", svc.ServiceID.Name(), snap.LifeCycle)
	case "stop":
		var snap types.ServiceInfoSnapshot
		if err := c.Call(adminapi.OpServiceStop, req, &snap); err != nil {
			return err
		}
		fmt.Printf("%s stopped (%s)\n", svc.ServiceID.Name(), snap.LifeCycle)
	case "restart":
		var snap types.ServiceInfoSnapshot
		if err := c.Call(adminapi.OpServiceRestart, req, &snap); err != nil {
			return err
		}
		fmt.Printf("%s restarted (%s)\n", svc.ServiceID.Name(), snap.LifeCycle)
	case "delete":
		var snap types.ServiceInfoSnapshot
		if err := c.Call(adminapi.OpServiceDelete, req, &snap); err != nil {
			return err
		}
		fmt.Printf("%s deleted\n", svc.ServiceID.Name())
	case "screen":
		var resp adminapi.ScreenResponse
		if err := c.Call(adminapi.OpServiceScreen, req, &resp); err != nil {
			return err
		}
		for _, line := range resp.Lines {
			fmt.Println(line)
		}
	case "copy":
		return fmt.Errorf("copy requires a deployment target, use 'template copy' against the service's deployment templates")
	case "cmd":
		return fmt.Errorf("fleetctl: interactive 'cmd' requires a console session, not yet wired over the admin channel")
	default:
		return fmt.Errorf("unknown service action %q", action)
	}
	return nil
}

func templateList(addr, prefix string) error {
	c, err := adminapi.Dial(addr)
	if err != nil {
		return err
	}
	defer c.Close()

	var names []string
	req := adminapi.TemplateRequest{Prefix: prefix}
	if err := c.Call(adminapi.OpTemplateList, req, &names); err != nil {
		return err
	}
	for _, n := range names {
		fmt.Println(n)
	}
	return nil
}

func templateCreate(addr, prefix, path string) error {
	c, err := adminapi.Dial(addr)
	if err != nil {
		return err
	}
	defer c.Close()
	return c.Call(adminapi.OpTemplateCreate, adminapi.TemplateRequest{Prefix: prefix, Path: path}, nil)
}

func templateDelete(addr, prefix, path string) error {
	c, err := adminapi.Dial(addr)
	if err != nil {
		return err
	}
	defer c.Close()
	return c.Call(adminapi.OpTemplateDelete, adminapi.TemplateRequest{Prefix: prefix, Path: path}, nil)
}

func templateCopy(addr, prefix, from, to string) error {
	c, err := adminapi.Dial(addr)
	if err != nil {
		return err
	}
	defer c.Close()
	return c.Call(adminapi.OpTemplateCopy, adminapi.TemplateRequest{Prefix: prefix, Path: from, To: to}, nil)
}

func configReload(addr string) error {
	c, err := adminapi.Dial(addr)
	if err != nil {
		return err
	}
	defer c.Close()
	return c.Call(adminapi.OpConfigReload, nil, nil)
}

func requestShutdown(addr string) error {
	c, err := adminapi.Dial(addr)
	if err != nil {
		return err
	}
	defer c.Close()
	return c.Call(adminapi.OpShutdown, nil, nil)
}
