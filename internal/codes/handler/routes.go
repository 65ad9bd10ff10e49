package handler

import "github.com/go-chi/chi/v5"

// Mount registers the code and registry routes under /api/v1
func Mount(r chi.Router, codes *CodeHandler, masters *MasterHandler) {
	r.Route("/api/v1/codes", func(r chi.Router) {
		r.Post("/generate/individual", codes.GenerateIndividual)
		r.Post("/generate/bulk", codes.GenerateBulk)
		r.Post("/scan", codes.Scan)
		r.Get("/validate/{code}", codes.Validate)
		r.Get("/sequences", codes.ListSequences)

		r.Route("/batches/{ref}", func(r chi.Router) {
			r.Get("/", codes.ListBatchCodes)
			r.Get("/scans", codes.ListBatchScans)
			r.Get("/summary", codes.BatchSummary)
		})

		r.Route("/{code}", func(r chi.Router) {
			r.Get("/", codes.Get)
			r.Get("/history", codes.History)
			r.Post("/print", codes.MarkPrinted)
			r.Post("/distribute", codes.MarkDistributed)
			r.Post("/expire", codes.Expire)
			r.Post("/invalidate", codes.Invalidate)
		})
	})

	r.Route("/api/v1/masters", func(r chi.Router) {
		r.Get("/", masters.List)
		r.Post("/", masters.Create)
		r.Get("/{key}", masters.Get)
		r.Post("/{key}/deactivate", masters.Deactivate)
		r.Post("/{key}/activate", masters.Activate)
	})
}
