// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

//go:build integration

package plugin_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"

	. "github.com/onsi/ginkgo/v2" //nolint:revive // ginkgo convention
	. "github.com/onsi/gomega"    //nolint:revive // gomega convention

	"github.com/holomush/plughost/internal/plugin"
	"github.com/holomush/plughost/internal/plugin/filestore"
	"github.com/holomush/plughost/internal/plugin/handlers"
	pluginlua "github.com/holomush/plughost/internal/plugin/lua"
)

const clockManifest = `name: app.clock
version: 1.0.0
type: lua
components:
  - name: clock
    type: app.Clock
    groups: [service]
`

const clockModule = `local M = {}
M.__index = M
function M.new() return setmetatable({}, M) end
function M:now() return "noon" end
return M
`

const greeterManifest = `name: app.greeter
version: 1.0.0
type: lua
components:
  - name: greeter
    type: app.http.Greeter
    groups: [endpoint]
`

const greeterModule = `local M = {requires = {"clock"}}
M.__index = M
function M.new(deps) return setmetatable({clock = deps.clock}, M) end
function M:greet(who) return "hello " .. who .. " at " .. self.clock:now() end
return M
`

const statusManifest = `name: app.status
version: 1.0.0
type: lua
scan:
  controller: [app.status.]
`

const statusModule = `return { ping = function(self) return "pong" end }`

// host is one process lifetime of the plugin host.
type host struct {
	mgr       *plugin.Manager
	services  *handlers.Services
	endpoints *handlers.Endpoints
	server    *httptest.Server
}

func startHost(registryPath string) *host {
	reg, err := filestore.Open(registryPath)
	Expect(err).NotTo(HaveOccurred())

	h := &host{
		services:  handlers.NewServices(discardLogger),
		endpoints: handlers.NewEndpoints(discardLogger),
	}
	h.mgr = plugin.NewManager(reg,
		plugin.WithRuntime(pluginlua.NewRuntime(pluginlua.WithLogger(discardLogger))),
		plugin.WithResolver(h.services),
		plugin.WithLogger(discardLogger),
	)
	Expect(h.mgr.RegisterHandler(h.services)).To(Succeed())
	Expect(h.mgr.RegisterHandler(h.endpoints)).To(Succeed())
	h.server = httptest.NewServer(h.endpoints)
	return h
}

func (h *host) stop() {
	h.server.Close()
	Expect(h.mgr.Close(context.Background())).To(Succeed())
}

func (h *host) call(component, method string, args ...any) (int, map[string]any) {
	body, err := json.Marshal(args)
	Expect(err).NotTo(HaveOccurred())

	resp, err := http.Post(h.server.URL+"/plugins/"+component+"/"+method, "application/json", strings.NewReader(string(body)))
	Expect(err).NotTo(HaveOccurred())
	defer func() { _ = resp.Body.Close() }()

	var out map[string]any
	Expect(json.NewDecoder(resp.Body).Decode(&out)).To(Succeed())
	return resp.StatusCode, out
}

func writePlugin(dir, name string, files map[string]string) string {
	root := filepath.Join(dir, name)
	for rel, content := range files {
		p := filepath.Join(root, filepath.FromSlash(rel))
		Expect(os.MkdirAll(filepath.Dir(p), 0o750)).To(Succeed())
		Expect(os.WriteFile(p, []byte(content), 0o600)).To(Succeed())
	}
	return root
}

var _ = Describe("Plugin lifecycle", func() {
	var (
		ctx          context.Context
		pluginsDir   string
		registryPath string
		clockSrc     string
		greeterSrc   string
		statusSrc    string
		h            *host
	)

	BeforeEach(func() {
		ctx = context.Background()
		pluginsDir = GinkgoT().TempDir()
		registryPath = filepath.Join(GinkgoT().TempDir(), "registry.yaml")

		clockSrc = writePlugin(pluginsDir, "clock", map[string]string{
			plugin.ManifestFile: clockManifest,
			"lua/app/Clock.lua": clockModule,
		})
		greeterSrc = writePlugin(pluginsDir, "greeter", map[string]string{
			plugin.ManifestFile:        greeterManifest,
			"lua/app/http/Greeter.lua": greeterModule,
		})
		statusSrc = writePlugin(pluginsDir, "status", map[string]string{
			plugin.ManifestFile:        statusManifest,
			"lua/app/status/Ping.lua": statusModule,
		})

		h = startHost(registryPath)
		DeferCleanup(func() { h.stop() })
	})

	Describe("wiring components across plugins", func() {
		It("resolves a service from another plugin and serves the endpoint", func() {
			_, err := h.mgr.Install(ctx, clockSrc)
			Expect(err).NotTo(HaveOccurred())
			Expect(h.services.Names()).To(Equal([]string{"clock"}))

			d, err := h.mgr.Install(ctx, greeterSrc)
			Expect(err).NotTo(HaveOccurred())
			Expect(d.Status).To(Equal(plugin.StatusActive))
			Expect(h.endpoints.Components()).To(Equal([]string{"greeter"}))

			status, body := h.call("greeter", "greet", "bob")
			Expect(status).To(Equal(http.StatusOK))
			Expect(body).To(HaveKeyWithValue("result", "hello bob at noon"))
		})

		It("fails instantiation when the required service is missing", func() {
			_, err := h.mgr.Install(ctx, greeterSrc)
			Expect(err).To(HaveOccurred())
			Expect(err.Error()).To(ContainSubstring(`service "clock" not found`))

			Expect(h.endpoints.Components()).To(BeEmpty())
			Expect(h.mgr.Live()).To(BeEmpty())
		})

		It("withdraws the endpoint on uninstall", func() {
			_, err := h.mgr.Install(ctx, clockSrc)
			Expect(err).NotTo(HaveOccurred())
			_, err = h.mgr.Install(ctx, greeterSrc)
			Expect(err).NotTo(HaveOccurred())

			d, err := h.mgr.Uninstall(ctx, "app.greeter")
			Expect(err).NotTo(HaveOccurred())
			Expect(d.Status).To(Equal(plugin.StatusRemoved))

			status, body := h.call("greeter", "greet", "bob")
			Expect(status).To(Equal(http.StatusNotFound))
			Expect(body).To(HaveKey("error"))
			Expect(h.services.Names()).To(Equal([]string{"clock"}))
		})

		It("serves scanned controllers", func() {
			_, err := h.mgr.Install(ctx, statusSrc)
			Expect(err).NotTo(HaveOccurred())

			status, body := h.call("app.status.Ping", "ping")
			Expect(status).To(Equal(http.StatusOK))
			Expect(body).To(HaveKeyWithValue("result", "pong"))
		})
	})

	Describe("batch install from a directory", func() {
		It("stages every plugin and publishes them together on submit", func() {
			// greeter resolves clock while staging, so clock must be live first.
			_, err := h.mgr.Install(ctx, clockSrc)
			Expect(err).NotTo(HaveOccurred())

			staged, err := h.mgr.InstallAll(ctx, pluginsDir)
			Expect(err).NotTo(HaveOccurred())
			Expect(staged).To(HaveLen(2))
			Expect(h.endpoints.Components()).To(BeEmpty())

			_, err = h.mgr.Submit(ctx)
			Expect(err).NotTo(HaveOccurred())
			Expect(h.endpoints.Components()).To(Equal([]string{"app.status.Ping", "greeter"}))
			Expect(h.mgr.Live()).To(Equal([]string{"app.clock", "app.greeter", "app.status"}))
		})
	})

	Describe("restarting the host", func() {
		It("restores active plugins from the file registry", func() {
			_, err := h.mgr.Install(ctx, clockSrc)
			Expect(err).NotTo(HaveOccurred())
			_, err = h.mgr.Install(ctx, statusSrc)
			Expect(err).NotTo(HaveOccurred())
			h.stop()

			h = startHost(registryPath)
			Expect(h.mgr.Live()).To(BeEmpty())

			restored, err := h.mgr.Restore(ctx)
			Expect(err).NotTo(HaveOccurred())
			Expect(restored).To(HaveLen(2))
			Expect(h.services.Names()).To(Equal([]string{"clock"}))

			status, body := h.call("app.status.Ping", "ping")
			Expect(status).To(Equal(http.StatusOK))
			Expect(body).To(HaveKeyWithValue("result", "pong"))

			again, err := h.mgr.Restore(ctx)
			Expect(err).NotTo(HaveOccurred())
			Expect(again).To(BeEmpty())
		})

		It("marks plugins whose archive disappeared as failed", func() {
			_, err := h.mgr.Install(ctx, statusSrc)
			Expect(err).NotTo(HaveOccurred())
			h.stop()
			Expect(os.RemoveAll(statusSrc)).To(Succeed())

			h = startHost(registryPath)
			restored, err := h.mgr.Restore(ctx)
			Expect(err).NotTo(HaveOccurred())
			Expect(restored).To(BeEmpty())

			d, err := h.mgr.Get(ctx, "app.status")
			Expect(err).NotTo(HaveOccurred())
			Expect(d.Status).To(Equal(plugin.StatusFailed))
		})
	})
})
