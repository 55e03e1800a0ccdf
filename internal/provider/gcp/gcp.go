// Package gcp implements provider.Provider using Google Cloud Compute
// Engine.
//
// Authentication uses Application Default Credentials (ADC). No
// credential fields exist in Config -- auth is handled by the
// environment (attached service account, Workload Identity Federation,
// GOOGLE_APPLICATION_CREDENTIALS, or gcloud auth application-default login).
package gcp

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	compute "cloud.google.com/go/compute/apiv1"
	computepb "cloud.google.com/go/compute/apiv1/computepb"
	"github.com/googleapis/gax-go/v2"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"google.golang.org/api/iterator"
	"google.golang.org/protobuf/proto"

	"github.com/terrpan/wgvm/internal/provider"
	"github.com/terrpan/wgvm/internal/remote"
	"github.com/terrpan/wgvm/internal/wgconf"
)

// The purpose label tags every VM this service creates. FindActive
// matches on it, so the label is the idempotency anchor for the whole
// deployment scope.
const (
	purposeKey   = "purpose"
	purposeValue = "wireguard-vpn"

	// Shared network objects, created once and reused by subsequent VMs.
	networkName  = "wgvm-net"
	firewallName = "wgvm-allow-vpn"

	getTimeout = 30 * time.Second
)

// Config holds GCP-specific settings.
type Config struct {
	// Project is the GCP project ID (required).
	Project string

	// Zone is the default zone for VMs (required). A per-request
	// location overrides it.
	Zone string

	// MachineType is the Compute Engine machine type.
	// Default: "e2-micro".
	MachineType string

	// Image is the full self-link or family URL of the boot image.
	// Default: Debian 12.
	Image string

	// DiskSizeGB is the boot disk size in GB. Default: 10.
	DiskSizeGB int64

	// SSHUser and SSHPublicKey are injected into instance metadata so
	// the config retrieval command can run over SSH.
	SSHUser      string
	SSHPublicKey string
}

// Provider manages WireGuard VMs on GCP Compute Engine.
type Provider struct {
	instances *compute.InstancesClient
	addresses *compute.AddressesClient
	networks  *compute.NetworksClient
	firewalls *compute.FirewallsClient
	runner    remote.Runner
	cfg       Config
	logger    *slog.Logger
	tracer    trace.Tracer

	// Instances may be created in a per-request zone, so every lookup
	// must resolve the zone the VM actually lives in. Zones are
	// recorded at Create and recovered via an aggregated list for
	// instances this process did not create.
	mu    sync.Mutex
	zones map[string]string
}

// Compile-time check that Provider satisfies provider.Provider.
var _ provider.Provider = (*Provider)(nil)

// New creates a GCP provider using Application Default Credentials.
// Commands issued via RunCommand are executed through runner against
// the instance's public address.
func New(ctx context.Context, cfg Config, runner remote.Runner, logger *slog.Logger) (*Provider, error) {
	if cfg.MachineType == "" {
		cfg.MachineType = "e2-micro"
	}
	if cfg.Image == "" {
		cfg.Image = "projects/debian-cloud/global/images/family/debian-12"
	}
	if cfg.DiskSizeGB == 0 {
		cfg.DiskSizeGB = 10
	}

	instances, err := compute.NewInstancesRESTClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("gcp instances client: %w", err)
	}
	addresses, err := compute.NewAddressesRESTClient(ctx)
	if err != nil {
		instances.Close()
		return nil, fmt.Errorf("gcp addresses client: %w", err)
	}
	networks, err := compute.NewNetworksRESTClient(ctx)
	if err != nil {
		instances.Close()
		addresses.Close()
		return nil, fmt.Errorf("gcp networks client: %w", err)
	}
	firewalls, err := compute.NewFirewallsRESTClient(ctx)
	if err != nil {
		instances.Close()
		addresses.Close()
		networks.Close()
		return nil, fmt.Errorf("gcp firewalls client: %w", err)
	}

	logger.Info("gcp provider initialized",
		slog.String("project", cfg.Project),
		slog.String("zone", cfg.Zone),
		slog.String("machine_type", cfg.MachineType),
	)

	return &Provider{
		instances: instances,
		addresses: addresses,
		networks:  networks,
		firewalls: firewalls,
		runner:    runner,
		cfg:       cfg,
		logger:    logger,
		tracer:    otel.Tracer("wgvm/provider/gcp"),
		zones:     make(map[string]string),
	}, nil
}

// FindActive lists instances across all zones of the project and
// returns the first one carrying the purpose label in a non-failed
// state. The aggregated list matters: a per-request location may have
// placed the VM outside the configured zone.
func (p *Provider) FindActive(ctx context.Context) (*provider.Instance, error) {
	ctx, span := p.tracer.Start(ctx, "provider.gcp.FindActive")
	defer span.End()

	it := p.instances.AggregatedList(ctx, &computepb.AggregatedListInstancesRequest{
		Project: p.cfg.Project,
		Filter:  proto.String(fmt.Sprintf("labels.%s=%s", purposeKey, purposeValue)),
	})
	for {
		pair, err := it.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("list instances: %w", err)
		}
		for _, inst := range pair.Value.GetInstances() {
			mapped := p.toInstance(inst)
			if mapped.State.Active() {
				p.rememberZone(mapped.Name, mapped.Location)
				span.SetAttributes(attribute.String("gcp.instance_name", mapped.Name))
				return mapped, nil
			}
		}
	}
	return nil, nil
}

// Create builds the network prerequisites in dependency order and then
// requests the VM insert without waiting for it to finish. Each
// prerequisite completes before the object that references it is
// created, because the instance needs their URLs.
func (p *Provider) Create(ctx context.Context, name, location string) error {
	ctx, span := p.tracer.Start(ctx, "provider.gcp.Create")
	defer span.End()

	zone := location
	if zone == "" {
		zone = p.cfg.Zone
	}
	// Recorded before any resource exists so a half-finished create can
	// still be torn down in the right zone.
	p.rememberZone(name, zone)
	span.SetAttributes(
		attribute.String("gcp.instance_name", name),
		attribute.String("gcp.zone", zone),
	)

	networkURL, err := p.ensureNetwork(ctx)
	if err != nil {
		return err
	}
	if err := p.ensureFirewall(ctx, networkURL); err != nil {
		return err
	}
	natIP, err := p.reserveAddress(ctx, name, zone)
	if err != nil {
		return err
	}

	p.logger.Info("creating wireguard VM",
		slog.String("name", name),
		slog.String("zone", zone),
		slog.String("public_ip", natIP),
	)

	instance := &computepb.Instance{
		Name:        proto.String(name),
		MachineType: proto.String(fmt.Sprintf("zones/%s/machineTypes/%s", zone, p.cfg.MachineType)),
		Labels: map[string]string{
			purposeKey:   purposeValue,
			"created-by": "wgvm",
		},
		Disks: []*computepb.AttachedDisk{{
			AutoDelete: proto.Bool(true),
			Boot:       proto.Bool(true),
			InitializeParams: &computepb.AttachedDiskInitializeParams{
				SourceImage: proto.String(p.cfg.Image),
				DiskSizeGb:  proto.Int64(p.cfg.DiskSizeGB),
			},
		}},
		NetworkInterfaces: []*computepb.NetworkInterface{{
			Network: proto.String(networkURL),
			AccessConfigs: []*computepb.AccessConfig{{
				Name:  proto.String("External NAT"),
				Type:  proto.String("ONE_TO_ONE_NAT"),
				NatIP: proto.String(natIP),
			}},
		}},
		Metadata: &computepb.Metadata{
			Items: []*computepb.Items{
				{
					Key:   proto.String("user-data"),
					Value: proto.String(wgconf.CloudInit()),
				},
				{
					Key:   proto.String("ssh-keys"),
					Value: proto.String(fmt.Sprintf("%s:%s", p.cfg.SSHUser, p.cfg.SSHPublicKey)),
				},
			},
		},
	}

	// Insert is deliberately not waited on: the caller polls Get for
	// progress, and the VM takes minutes to become ready anyway.
	_, err = p.instances.Insert(ctx, &computepb.InsertInstanceRequest{
		Project:          p.cfg.Project,
		Zone:             zone,
		InstanceResource: instance,
	})
	if err != nil {
		return fmt.Errorf("insert instance %s: %w", name, err)
	}
	return nil
}

// Get returns the live state of the named instance, wherever it lives.
func (p *Provider) Get(ctx context.Context, name string) (*provider.Instance, error) {
	ctx, span := p.tracer.Start(ctx, "provider.gcp.Get")
	defer span.End()
	span.SetAttributes(attribute.String("gcp.instance_name", name))

	zone, err := p.lookupZone(ctx, name)
	if err != nil {
		if errors.Is(err, provider.ErrNotFound) {
			return nil, provider.ErrNotFound
		}
		return nil, err
	}

	inst, err := p.instances.Get(ctx, &computepb.GetInstanceRequest{
		Project:  p.cfg.Project,
		Zone:     zone,
		Instance: name,
	}, gax.WithTimeout(getTimeout))
	if err != nil {
		if isNotFound(err) {
			p.forgetZone(name)
			return nil, provider.ErrNotFound
		}
		return nil, fmt.Errorf("get instance %s: %w", name, err)
	}
	return p.toInstance(inst), nil
}

// PublicAddress resolves the external NAT IP of the named instance.
// Absence of an address is not an error -- it may not be attached yet.
func (p *Provider) PublicAddress(ctx context.Context, name string) (string, error) {
	zone, err := p.lookupZone(ctx, name)
	if err != nil {
		if errors.Is(err, provider.ErrNotFound) {
			return "", nil
		}
		return "", err
	}

	inst, err := p.instances.Get(ctx, &computepb.GetInstanceRequest{
		Project:  p.cfg.Project,
		Zone:     zone,
		Instance: name,
	}, gax.WithTimeout(getTimeout))
	if err != nil {
		if isNotFound(err) {
			return "", nil
		}
		return "", fmt.Errorf("get instance %s: %w", name, err)
	}
	for _, nic := range inst.GetNetworkInterfaces() {
		for _, ac := range nic.GetAccessConfigs() {
			if ip := ac.GetNatIP(); ip != "" {
				return ip, nil
			}
		}
	}
	return "", nil
}

// RunCommand executes a shell command on the instance over SSH using
// its public address.
func (p *Provider) RunCommand(ctx context.Context, name, command string) (string, error) {
	ctx, span := p.tracer.Start(ctx, "provider.gcp.RunCommand")
	defer span.End()
	span.SetAttributes(attribute.String("gcp.instance_name", name))

	addr, err := p.PublicAddress(ctx, name)
	if err != nil {
		return "", err
	}
	if addr == "" {
		return "", fmt.Errorf("instance %s has no public address yet", name)
	}
	return p.runner.Run(ctx, addr, command)
}

// Delete tears down the instance and its dependent objects. Every
// deletion is attempted even when an earlier one fails; absent
// resources count as already deleted.
func (p *Provider) Delete(ctx context.Context, name string) (*provider.TeardownReport, error) {
	ctx, span := p.tracer.Start(ctx, "provider.gcp.Delete")
	defer span.End()
	span.SetAttributes(attribute.String("gcp.instance_name", name))

	// The instance and its static IP live in the zone the VM was
	// created in, which is not necessarily the configured one. When
	// neither the registry nor the aggregated list knows the name the
	// configured zone is the best remaining guess; the per-resource
	// not-found handling absorbs a miss.
	zone, err := p.lookupZone(ctx, name)
	if err != nil {
		zone = p.cfg.Zone
	}

	report := &provider.TeardownReport{}

	record := func(resource string, err error) {
		switch {
		case err == nil:
			report.Deleted = append(report.Deleted, resource)
		case isNotFound(err):
			// Already gone -- that is the state we wanted.
			p.logger.Warn("resource already absent during teardown",
				slog.String("resource", resource))
			report.Deleted = append(report.Deleted, resource)
		default:
			p.logger.Error("teardown deletion failed",
				slog.String("resource", resource),
				slog.String("error", err.Error()))
			report.Failed = append(report.Failed, resource)
		}
	}

	record(name, p.deleteInstance(ctx, name, zone))
	record(name+"-ip", p.deleteAddress(ctx, name+"-ip", zone))
	record(firewallName, p.deleteFirewall(ctx))
	record(networkName, p.deleteNetwork(ctx))
	p.forgetZone(name)

	p.logger.Info("teardown finished",
		slog.String("name", name),
		slog.String("status", report.Status()),
		slog.Int("deleted", len(report.Deleted)),
		slog.Int("failed", len(report.Failed)),
	)
	return report, nil
}

// Close releases the underlying API clients.
func (p *Provider) Close() error {
	var firstErr error
	for _, c := range []interface{ Close() error }{p.instances, p.addresses, p.networks, p.firewalls} {
		if err := c.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// ---------------------------------------------------------------------------
// internal helpers
// ---------------------------------------------------------------------------

// toInstance projects a GCP instance onto the provider model. GCP
// status values this package does not model pass through verbatim so
// the session layer can surface them as progress text.
func (p *Provider) toInstance(inst *computepb.Instance) *provider.Instance {
	var state provider.State
	switch inst.GetStatus() {
	case "PROVISIONING", "STAGING":
		state = provider.StateCreating
	case "RUNNING":
		state = provider.StateSucceeded
	case "REPAIRING":
		state = provider.StateUpdating
	case "STOPPING", "SUSPENDED", "TERMINATED":
		state = provider.StateFailed
	default:
		state = provider.State(inst.GetStatus())
	}

	detail := inst.GetStatusMessage()
	if state == provider.StateFailed && detail == "" {
		detail = fmt.Sprintf("instance is %s", inst.GetStatus())
	}

	return &provider.Instance{
		Name:        inst.GetName(),
		Location:    lastPathSegment(inst.GetZone()),
		State:       state,
		StateDetail: detail,
	}
}

// ensureNetwork creates the shared auto-mode VPC on first use and
// returns its URL.
func (p *Provider) ensureNetwork(ctx context.Context) (string, error) {
	net, err := p.networks.Get(ctx, &computepb.GetNetworkRequest{
		Project: p.cfg.Project,
		Network: networkName,
	})
	if err == nil {
		return net.GetSelfLink(), nil
	}
	if !isNotFound(err) {
		return "", fmt.Errorf("get network %s: %w", networkName, err)
	}

	p.logger.Info("creating shared network", slog.String("network", networkName))
	op, err := p.networks.Insert(ctx, &computepb.InsertNetworkRequest{
		Project: p.cfg.Project,
		NetworkResource: &computepb.Network{
			Name:                  proto.String(networkName),
			AutoCreateSubnetworks: proto.Bool(true),
		},
	})
	if err != nil {
		return "", fmt.Errorf("insert network %s: %w", networkName, err)
	}
	if err := op.Wait(ctx); err != nil {
		return "", fmt.Errorf("waiting for network %s: %w", networkName, err)
	}
	return fmt.Sprintf("global/networks/%s", networkName), nil
}

// ensureFirewall creates the shared ingress rules (WireGuard UDP plus
// SSH for config retrieval) on first use.
func (p *Provider) ensureFirewall(ctx context.Context, networkURL string) error {
	_, err := p.firewalls.Get(ctx, &computepb.GetFirewallRequest{
		Project:  p.cfg.Project,
		Firewall: firewallName,
	})
	if err == nil {
		return nil
	}
	if !isNotFound(err) {
		return fmt.Errorf("get firewall %s: %w", firewallName, err)
	}

	p.logger.Info("creating shared firewall", slog.String("firewall", firewallName))
	op, err := p.firewalls.Insert(ctx, &computepb.InsertFirewallRequest{
		Project: p.cfg.Project,
		FirewallResource: &computepb.Firewall{
			Name:    proto.String(firewallName),
			Network: proto.String(networkURL),
			Allowed: []*computepb.Allowed{
				{
					IPProtocol: proto.String("udp"),
					Ports:      []string{fmt.Sprintf("%d", wgconf.ListenPort)},
				},
				{
					IPProtocol: proto.String("tcp"),
					Ports:      []string{"22"},
				},
			},
			SourceRanges: []string{"0.0.0.0/0"},
		},
	})
	if err != nil {
		return fmt.Errorf("insert firewall %s: %w", firewallName, err)
	}
	if err := op.Wait(ctx); err != nil {
		return fmt.Errorf("waiting for firewall %s: %w", firewallName, err)
	}
	return nil
}

// reserveAddress reserves a regional static IP for the VM and waits for
// it, because the instance's access config needs the literal address.
func (p *Provider) reserveAddress(ctx context.Context, name, zone string) (string, error) {
	region := zoneRegion(zone)
	addrName := name + "-ip"

	op, err := p.addresses.Insert(ctx, &computepb.InsertAddressRequest{
		Project: p.cfg.Project,
		Region:  region,
		AddressResource: &computepb.Address{
			Name: proto.String(addrName),
		},
	})
	if err != nil {
		return "", fmt.Errorf("insert address %s: %w", addrName, err)
	}
	if err := op.Wait(ctx); err != nil {
		return "", fmt.Errorf("waiting for address %s: %w", addrName, err)
	}

	addr, err := p.addresses.Get(ctx, &computepb.GetAddressRequest{
		Project: p.cfg.Project,
		Region:  region,
		Address: addrName,
	})
	if err != nil {
		return "", fmt.Errorf("get address %s: %w", addrName, err)
	}
	return addr.GetAddress(), nil
}

func (p *Provider) deleteInstance(ctx context.Context, name, zone string) error {
	op, err := p.instances.Delete(ctx, &computepb.DeleteInstanceRequest{
		Project:  p.cfg.Project,
		Zone:     zone,
		Instance: name,
	})
	if err != nil {
		return err
	}
	return op.Wait(ctx)
}

func (p *Provider) deleteAddress(ctx context.Context, name, zone string) error {
	op, err := p.addresses.Delete(ctx, &computepb.DeleteAddressRequest{
		Project: p.cfg.Project,
		Region:  zoneRegion(zone),
		Address: name,
	})
	if err != nil {
		return err
	}
	return op.Wait(ctx)
}

func (p *Provider) deleteFirewall(ctx context.Context) error {
	op, err := p.firewalls.Delete(ctx, &computepb.DeleteFirewallRequest{
		Project:  p.cfg.Project,
		Firewall: firewallName,
	})
	if err != nil {
		return err
	}
	return op.Wait(ctx)
}

func (p *Provider) deleteNetwork(ctx context.Context) error {
	op, err := p.networks.Delete(ctx, &computepb.DeleteNetworkRequest{
		Project: p.cfg.Project,
		Network: networkName,
	})
	if err != nil {
		return err
	}
	return op.Wait(ctx)
}

func (p *Provider) rememberZone(name, zone string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.zones[name] = zone
}

func (p *Provider) forgetZone(name string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.zones, name)
}

// lookupZone resolves the zone an instance lives in. Names recorded at
// Create are served from memory; anything else (instances created
// before a restart) is searched for across all zones. Returns
// provider.ErrNotFound when no zone hosts the instance.
func (p *Provider) lookupZone(ctx context.Context, name string) (string, error) {
	p.mu.Lock()
	zone, ok := p.zones[name]
	p.mu.Unlock()
	if ok {
		return zone, nil
	}

	it := p.instances.AggregatedList(ctx, &computepb.AggregatedListInstancesRequest{
		Project: p.cfg.Project,
		Filter:  proto.String(fmt.Sprintf("name=%s", name)),
	})
	for {
		pair, err := it.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			return "", fmt.Errorf("locating instance %s: %w", name, err)
		}
		for _, inst := range pair.Value.GetInstances() {
			if inst.GetName() == name {
				zone = lastPathSegment(inst.GetZone())
				p.rememberZone(name, zone)
				return zone, nil
			}
		}
	}
	return "", provider.ErrNotFound
}

// zoneRegion derives the region from a zone name ("us-east1-b" -> "us-east1").
func zoneRegion(zone string) string {
	if i := strings.LastIndex(zone, "-"); i > 0 {
		return zone[:i]
	}
	return zone
}

func lastPathSegment(s string) string {
	if i := strings.LastIndex(s, "/"); i >= 0 {
		return s[i+1:]
	}
	return s
}

// isNotFound reports whether err is a "not found" (404) error from the
// GCP API. The google-cloud-go compute library wraps googleapi.Error,
// so string matching is more robust than type-asserting through
// multiple wrapping layers.
func isNotFound(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	for _, pattern := range []string{"Error 404", "code = NotFound", "notFound"} {
		if strings.Contains(msg, pattern) {
			return true
		}
	}
	return false
}
