package registry

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/godbus/dbus/v5"
	"github.com/shirou/gopsutil/v3/host"

	"github.com/lamco-admin/lamco-rdp/internal/logging"
)

var log = logging.L("registry")

// Facts is the probed environment state. Probe is a pure function of
// Facts so a given environment always yields the same registry.
type Facts struct {
	Compositor  string // "gnome", "kde", "wlroots", "unknown"
	SessionType string // "wayland", "x11", ""
	Sandboxed   bool   // flatpak or snap confinement
	SystemdUnit bool   // running as a systemd user service
	Virtualized string // "docker", "kvm", "" etc.

	PortalPresent       bool
	PortalScreenCastVer uint32
	PortalRemoteDesktop bool
	PortalClipboard     bool

	MutterScreenCast    bool
	MutterRemoteDesktop bool

	SecretService bool // org.freedesktop.secrets reachable
	SecretPortal  bool // org.freedesktop.portal.Secret reachable
	TPMPresent    bool

	DRIPresent         bool // /dev/dri render nodes exist
	CompanionExtension bool // org.wayland_rdp.Clipboard on the bus
}

// Companion clipboard extension bus name.
const companionBusName = "org.wayland_rdp.Clipboard"

// GatherFacts inspects the deployment context, the session bus, and the
// host. Failures leave the corresponding fact at its zero value; nothing
// here is fatal.
func GatherFacts(ctx context.Context) Facts {
	var f Facts

	f.Compositor = detectCompositor()
	f.SessionType = os.Getenv("XDG_SESSION_TYPE")
	f.Sandboxed = fileExists("/.flatpak-info") || os.Getenv("SNAP") != ""
	f.SystemdUnit = os.Getenv("INVOCATION_ID") != ""

	if virt, role, err := host.VirtualizationWithContext(ctx); err == nil && role == "guest" {
		f.Virtualized = virt
	}

	f.TPMPresent = fileExists("/dev/tpmrm0") || fileExists("/dev/tpm0")
	f.DRIPresent = fileExists("/dev/dri")

	conn, err := dbus.ConnectSessionBus()
	if err != nil {
		log.Warn("session bus unreachable, portal facts unavailable", "error", err)
		return f
	}
	defer conn.Close()

	gatherBusFacts(ctx, conn, &f)
	return f
}

func gatherBusFacts(ctx context.Context, conn *dbus.Conn, f *Facts) {
	names := activatableNames(conn)

	f.PortalPresent = names["org.freedesktop.portal.Desktop"]
	f.SecretService = names["org.freedesktop.secrets"]
	f.MutterScreenCast = names["org.gnome.Mutter.ScreenCast"]
	f.MutterRemoteDesktop = names["org.gnome.Mutter.RemoteDesktop"]
	f.CompanionExtension = names[companionBusName]

	if !f.PortalPresent {
		return
	}

	portal := conn.Object("org.freedesktop.portal.Desktop", "/org/freedesktop/portal/desktop")

	cctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()

	var ver dbus.Variant
	err := portal.CallWithContext(cctx, "org.freedesktop.DBus.Properties.Get", 0,
		"org.freedesktop.portal.ScreenCast", "version").Store(&ver)
	if err == nil {
		if v, ok := ver.Value().(uint32); ok {
			f.PortalScreenCastVer = v
		}
	}

	f.PortalRemoteDesktop = portalInterfaceExists(cctx, portal, "org.freedesktop.portal.RemoteDesktop")
	if f.PortalRemoteDesktop {
		// Clipboard rides on the RemoteDesktop portal session; the separate
		// Clipboard interface appeared alongside RemoteDesktop v2.
		f.PortalClipboard = portalInterfaceExists(cctx, portal, "org.freedesktop.portal.Clipboard")
	}
	f.SecretPortal = portalInterfaceExists(cctx, portal, "org.freedesktop.portal.Secret")
}

func portalInterfaceExists(ctx context.Context, portal dbus.BusObject, iface string) bool {
	var v dbus.Variant
	err := portal.CallWithContext(ctx, "org.freedesktop.DBus.Properties.Get", 0, iface, "version").Store(&v)
	return err == nil
}

func activatableNames(conn *dbus.Conn) map[string]bool {
	out := make(map[string]bool)
	var names []string
	if err := conn.BusObject().Call("org.freedesktop.DBus.ListActivatableNames", 0).Store(&names); err == nil {
		for _, n := range names {
			out[n] = true
		}
	}
	names = nil
	if err := conn.BusObject().Call("org.freedesktop.DBus.ListNames", 0).Store(&names); err == nil {
		for _, n := range names {
			out[n] = true
		}
	}
	return out
}

func detectCompositor() string {
	desktop := strings.ToLower(os.Getenv("XDG_CURRENT_DESKTOP"))
	switch {
	case strings.Contains(desktop, "gnome"):
		return "gnome"
	case strings.Contains(desktop, "kde"):
		return "kde"
	case strings.Contains(desktop, "sway"), strings.Contains(desktop, "wlroots"),
		strings.Contains(desktop, "hyprland"), strings.Contains(desktop, "river"):
		return "wlroots"
	default:
		return "unknown"
	}
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

// Probe evaluates every service level from the gathered facts. Pure:
// same facts in, same registry out.
func Probe(f Facts) *Registry {
	r := New()

	probes := map[string]func(Facts) (Level, string){
		VideoCapture:        probeVideoCapture,
		SessionPersistence:  probeSessionPersistence,
		DirectCompositorAPI: probeDirectCompositor,
		CredentialStorage:   probeCredentialStorage,
		RemoteInput:         probeRemoteInput,
		Clipboard:           probeClipboard,
		DmaBufZeroCopy:      probeDmaBuf,
		MultiMonitor:        probeMultiMonitor,
		MetadataCursor:      probeMetadataCursor,
	}
	for name, probe := range probes {
		level, reason := probe(f)
		r.Publish(name, level, reason)
	}
	r.Publish(DamageTracking, Guaranteed, "software tile hashing")
	r.Publish(HdrColorSpace, Unavailable, "no compositor HDR color-space protocol")

	return r
}

func probeVideoCapture(f Facts) (Level, string) {
	switch {
	case f.PortalPresent && f.SessionType == "wayland":
		return Guaranteed, "portal ScreenCast available"
	case f.MutterScreenCast && !f.Sandboxed:
		return BestEffort, "Mutter ScreenCast without portal"
	case f.PortalPresent:
		return Degraded, fmt.Sprintf("portal present but session type is %q", f.SessionType)
	default:
		return Unavailable, "no portal and no compositor capture API"
	}
}

func probeSessionPersistence(f Facts) (Level, string) {
	switch {
	case f.PortalScreenCastVer >= 4:
		return Guaranteed, "ScreenCast persist_mode supported"
	case f.PortalPresent:
		return Unavailable, fmt.Sprintf("ScreenCast v%d lacks persist_mode (needs v4)", f.PortalScreenCastVer)
	default:
		return Unavailable, "no portal"
	}
}

func probeDirectCompositor(f Facts) (Level, string) {
	switch {
	case f.Sandboxed:
		return Unavailable, "private compositor APIs unreachable from a sandbox"
	case f.MutterScreenCast && f.MutterRemoteDesktop:
		return Guaranteed, "Mutter ScreenCast and RemoteDesktop interfaces advertised"
	case f.Compositor == "gnome":
		return Degraded, "GNOME without Mutter D-Bus interfaces"
	default:
		return Unavailable, "compositor exposes no direct capture API"
	}
}

func probeCredentialStorage(f Facts) (Level, string) {
	switch {
	case f.TPMPresent && f.SecretService:
		return Guaranteed, "TPM-backed store with keyring fallback"
	case f.SecretService:
		return BestEffort, "desktop secret service"
	case f.SecretPortal:
		return Degraded, "sandboxed secret portal only"
	default:
		return Degraded, "encrypted file fallback only"
	}
}

func probeRemoteInput(f Facts) (Level, string) {
	switch {
	case f.PortalRemoteDesktop:
		return Guaranteed, "portal RemoteDesktop input injection"
	case f.MutterRemoteDesktop && !f.Sandboxed:
		return Guaranteed, "Mutter RemoteDesktop input injection"
	case f.Compositor == "wlroots":
		return BestEffort, "wlroots virtual keyboard/pointer protocols"
	default:
		return Unavailable, "no input injection path"
	}
}

func probeClipboard(f Facts) (Level, string) {
	switch {
	case !f.PortalClipboard && !f.MutterRemoteDesktop:
		return Unavailable, "no clipboard portal"
	case f.Compositor == "gnome" && f.CompanionExtension:
		return BestEffort, "portal clipboard with companion change detection"
	case f.Compositor == "gnome":
		return Degraded, "SelectionOwnerChanged not delivered on GNOME; companion extension missing"
	case f.PortalClipboard:
		return Guaranteed, "portal clipboard with owner-change signal"
	default:
		return Degraded, "Mutter clipboard without portal"
	}
}

func probeDmaBuf(f Facts) (Level, string) {
	switch {
	case f.DRIPresent && f.SessionType == "wayland":
		return BestEffort, "DRM render nodes present; mapping depends on driver"
	default:
		return Unavailable, "no /dev/dri render nodes"
	}
}

func probeMultiMonitor(f Facts) (Level, string) {
	switch {
	case f.MutterScreenCast && !f.Sandboxed:
		return Guaranteed, "per-monitor Mutter streams"
	case f.PortalPresent:
		return BestEffort, "portal multi-stream selection is user-driven"
	default:
		return Unavailable, "no capture API"
	}
}

func probeMetadataCursor(f Facts) (Level, string) {
	switch {
	case f.Compositor == "gnome" || f.Compositor == "kde":
		return BestEffort, "portal cursor_mode metadata"
	case f.PortalPresent:
		return Degraded, "compositor only supports embedded cursor"
	default:
		return Unavailable, "no capture API"
	}
}
