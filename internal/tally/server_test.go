package tally

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/onsi/gomega/ghttp"

	"github.com/zombor/ums-tally/internal/layout"
	"github.com/zombor/ums-tally/internal/scanning"
)

var _ = Describe("Server", func() {
	var (
		db          *mockDB
		storage     *mockStorage
		reader      *mockReader
		notifier    *mockNotifier
		preparer    *mockPreparer
		service     *Service
		server      *Server
		auth        BasicAuth
		ghttpServer *ghttp.Server
	)

	BeforeEach(func() {
		db = newMockDB()
		storage = newMockStorage()
		reader = &mockReader{readings: map[string]scanning.Reading{"A.png": found(10)}}
		notifier = &mockNotifier{}
		preparer = &mockPreparer{}
		auth = BasicAuth{}
	})

	JustBeforeEach(func() {
		timeSrc := &mockTimeSource{now: time.Date(2024, 5, 1, 9, 30, 15, 0, time.UTC)}
		nav := &mockNavigator{}
		service = NewServiceWithDeps(Deps{
			DB:        db,
			Sequencer: NewSequencerWithDeps(nav, &mockCapturer{}, reader, storage, testLayout(), timeSrc),
			Preparer:  preparer,
			Launcher:  nav,
			Notifier:  notifier,
			Storage:   storage,
		}, App{}, []ScanTarget{{Name: "A", Album: layout.Point{X: 1, Y: 2}}}, &mockIDGenerator{id: "new-run"}, timeSrc)
		server = NewServerWithMux(service, auth, http.NewServeMux())
		ghttpServer = ghttp.NewServer()
		ghttpServer.AppendHandlers(server.Handler().ServeHTTP)
	})

	AfterEach(func() {
		ghttpServer.Close()
	})

	get := func(path string) *http.Response {
		resp, err := http.Get(ghttpServer.URL() + path)
		Expect(err).NotTo(HaveOccurred())
		DeferCleanup(resp.Body.Close)
		return resp
	}

	body := func(resp *http.Response) string {
		data, err := io.ReadAll(resp.Body)
		Expect(err).NotTo(HaveOccurred())
		return string(data)
	}

	Describe("handleListRuns", func() {
		When("runs exist", func() {
			BeforeEach(func() {
				db.runs["id1"] = &Run{ID: "id1"}
				db.runs["id2"] = &Run{ID: "id2"}
			})

			It("should return all runs as JSON", func() {
				resp := get("/api/runs")
				Expect(resp.StatusCode).To(Equal(http.StatusOK))
				Expect(resp.Header.Get("Content-Type")).To(Equal("application/json"))
				var runs []*Run
				Expect(json.Unmarshal([]byte(body(resp)), &runs)).To(Succeed())
				Expect(runs).To(HaveLen(2))
			})
		})

		When("no runs exist", func() {
			It("should return an empty array", func() {
				resp := get("/api/runs")
				Expect(resp.StatusCode).To(Equal(http.StatusOK))
				Expect(body(resp)).To(MatchJSON(`[]`))
			})
		})

		When("service returns an error", func() {
			BeforeEach(func() {
				db.listErr = errors.New("service error")
			})

			It("should return status Internal Server Error", func() {
				Expect(get("/api/runs").StatusCode).To(Equal(http.StatusInternalServerError))
			})
		})
	})

	Describe("handleGetRun", func() {
		When("run exists", func() {
			BeforeEach(func() {
				db.runs["r1"] = &Run{ID: "r1", Total: 12.5}
			})

			It("should return the run", func() {
				resp := get("/api/runs/r1")
				Expect(resp.StatusCode).To(Equal(http.StatusOK))
				var run Run
				Expect(json.Unmarshal([]byte(body(resp)), &run)).To(Succeed())
				Expect(run.Total).To(Equal(12.5))
			})
		})

		When("run does not exist", func() {
			It("should return status Not Found", func() {
				Expect(get("/api/runs/missing").StatusCode).To(Equal(http.StatusNotFound))
			})
		})

		When("the database fails", func() {
			BeforeEach(func() {
				db.getErr = errors.New("bolt: database not open")
			})

			It("should return status Internal Server Error", func() {
				Expect(get("/api/runs/r1").StatusCode).To(Equal(http.StatusInternalServerError))
			})
		})
	})

	Describe("handleGetRunReport", func() {
		BeforeEach(func() {
			db.runs["r1"] = &Run{ID: "r1", Report: "Scan results (2024-05-01 09:30:15):\nA: 10.0\nTotal: 10.0"}
		})

		It("should return the report as plain text", func() {
			resp := get("/api/runs/r1/report")
			Expect(resp.StatusCode).To(Equal(http.StatusOK))
			Expect(resp.Header.Get("Content-Type")).To(HavePrefix("text/plain"))
			Expect(body(resp)).To(Equal("Scan results (2024-05-01 09:30:15):\nA: 10.0\nTotal: 10.0"))
		})
	})

	Describe("handleCreateRun", func() {
		post := func() *http.Response {
			resp, err := http.Post(ghttpServer.URL()+"/api/runs", "application/json", nil)
			Expect(err).NotTo(HaveOccurred())
			DeferCleanup(resp.Body.Close)
			return resp
		}

		When("no run is active", func() {
			It("runs a scan and returns it", func() {
				resp := post()
				Expect(resp.StatusCode).To(Equal(http.StatusCreated))
				var run Run
				Expect(json.Unmarshal([]byte(body(resp)), &run)).To(Succeed())
				Expect(run.ID).To(Equal("new-run"))
				Expect(run.Total).To(Equal(10.0))
				Expect(db.runs).To(HaveKey("new-run"))
				Expect(notifier.messages).To(HaveLen(1))
			})
		})

		When("a run is already active", func() {
			It("should return status Conflict", func() {
				service.mu.Lock()
				defer service.mu.Unlock()
				resp := post()
				Expect(resp.StatusCode).To(Equal(http.StatusConflict))
				Expect(body(resp)).To(ContainSubstring("already in progress"))
			})
		})

		When("the run cannot be stored", func() {
			BeforeEach(func() {
				db.saveErr = errors.New("disk full")
			})

			It("still returns the run", func() {
				Expect(post().StatusCode).To(Equal(http.StatusCreated))
			})
		})

		When("the run panics", func() {
			BeforeEach(func() {
				preparer.panic = "device handle closed"
			})

			It("returns status Internal Server Error and reports the failure", func() {
				Expect(post().StatusCode).To(Equal(http.StatusInternalServerError))
				Expect(notifier.messages).To(Equal([]string{"Automation failed: run aborted: panic: device handle closed"}))
			})
		})
	})

	Describe("handleGetScreenshot", func() {
		BeforeEach(func() {
			storage.files["2024-05-01/scan_1_A_09-30-15.png"] = []byte("png data")
		})

		It("should return the image", func() {
			resp := get("/api/screenshots/2024-05-01/scan_1_A_09-30-15.png")
			Expect(resp.StatusCode).To(Equal(http.StatusOK))
			Expect(resp.Header.Get("Content-Type")).To(Equal("image/png"))
			Expect(body(resp)).To(Equal("png data"))
		})

		It("should return status Not Found for unknown files", func() {
			Expect(get("/api/screenshots/2024-05-01/other.png").StatusCode).To(Equal(http.StatusNotFound))
		})
	})

	Describe("CORS", func() {
		It("answers preflight requests", func() {
			req, err := http.NewRequest("OPTIONS", ghttpServer.URL()+"/api/runs", nil)
			Expect(err).NotTo(HaveOccurred())
			resp, err := http.DefaultClient.Do(req)
			Expect(err).NotTo(HaveOccurred())
			defer resp.Body.Close()
			Expect(resp.StatusCode).To(Equal(http.StatusNoContent))
			Expect(resp.Header.Get("Access-Control-Allow-Origin")).To(Equal("*"))
		})
	})

	Describe("authenticate", func() {
		When("no auth is configured", func() {
			It("should return true", func() {
				req, err := http.NewRequest("GET", ghttpServer.URL()+"/api/runs", nil)
				Expect(err).NotTo(HaveOccurred())
				Expect(server.authenticate(req)).To(BeTrue())
			})
		})

		When("auth is configured", func() {
			BeforeEach(func() {
				auth = BasicAuth{Username: "user", Password: "pass"}
			})

			It("accepts valid credentials", func() {
				req, err := http.NewRequest("GET", ghttpServer.URL()+"/api/runs", nil)
				Expect(err).NotTo(HaveOccurred())
				req.Header.Set("Authorization", "Basic "+base64.StdEncoding.EncodeToString([]byte("user:pass")))
				Expect(server.authenticate(req)).To(BeTrue())
			})

			It("rejects invalid credentials", func() {
				req, err := http.NewRequest("GET", ghttpServer.URL()+"/api/runs", nil)
				Expect(err).NotTo(HaveOccurred())
				req.Header.Set("Authorization", "Basic "+base64.StdEncoding.EncodeToString([]byte("user:wrong")))
				Expect(server.authenticate(req)).To(BeFalse())
			})

			It("rejects requests without a header", func() {
				resp := get("/api/runs")
				Expect(resp.StatusCode).To(Equal(http.StatusUnauthorized))
				Expect(resp.Header.Get("WWW-Authenticate")).To(ContainSubstring("UMS Tally"))
			})
		})
	})
})
