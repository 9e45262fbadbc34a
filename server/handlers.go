package server

import (
	"context"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"strconv"

	"github.com/gorilla/mux"
	log "github.com/sirupsen/logrus"

	"posecoach/core"
	"posecoach/processors"
	"posecoach/profiles"
)

// statusClientClosedRequest is nginx's 499: the client went away.
const statusClientClosedRequest = 499

func (s *Server) handleAnalyze(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseMultipartForm(256 << 20); err != nil {
		writeError(w, http.StatusBadRequest, "invalid multipart form: %s", err)
		return
	}
	defer r.MultipartForm.RemoveAll()

	exercise := r.FormValue("exercise_type")
	if exercise == "" {
		writeError(w, http.StatusBadRequest, "exercise_type is required")
		return
	}
	grip := r.FormValue("grip_type")

	fps := s.cfg.ExtractFPS
	if v := r.FormValue("extract_fps"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 || n > 30 {
			writeError(w, http.StatusBadRequest, "extract_fps must be an integer in [1,30]")
			return
		}
		fps = n
	}

	ws, err := core.NewWorkspace(s.cfg.DataRoot, "")
	if err != nil {
		writeError(w, http.StatusInternalServerError, "create workspace: %s", err)
		return
	}

	videoPath, err := s.spoolUpload(r, "video", ws, true)
	if err != nil {
		ws.Remove()
		writeError(w, http.StatusBadRequest, "%s", err)
		return
	}
	referencePath, err := s.spoolUpload(r, "reference_video", ws, false)
	if err != nil {
		ws.Remove()
		writeError(w, http.StatusBadRequest, "%s", err)
		return
	}

	req := processors.Request{
		VideoPath:     videoPath,
		Exercise:      exercise,
		Grip:          grip,
		ReferencePath: referencePath,
		Workspace:     ws,
	}

	// A stored reference digest may be named instead of uploading a video;
	// "auto" defers to a centroid similarity lookup after analysis.
	if referencePath == "" {
		if name := r.FormValue("reference_name"); name != "" {
			if canonical, err := profiles.CanonicalExercise(exercise); err == nil {
				switch name {
				case "auto":
					req.ReferenceLookup = s.nearestReference(canonical)
				default:
					ref, err := s.store.Get(r.Context(), canonical, name)
					if err != nil {
						log.Warnf("server: stored reference %s/%s unavailable: %s", canonical, name, err)
					} else {
						req.Reference = ref
					}
				}
			}
		}
	}

	s.metrics.AnalysisStarted()

	// The per-request fps override travels through a request-scoped pipeline
	// copy; the detector handle and cache stay shared.
	pipeline := s.pipeline
	if fps != s.cfg.ExtractFPS {
		pipeline = s.pipeline.WithExtractFPS(fps)
	}

	report, err := pipeline.Analyze(r.Context(), req)
	s.metrics.AnalysisDone(exercise, analysisStatus(err))

	if err != nil && !core.IsKind(err, core.KindInsufficientMotion) {
		writeError(w, statusForError(err), "%s", err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

func (s *Server) handleListReferences(w http.ResponseWriter, r *http.Request) {
	exercise, err := profiles.CanonicalExercise(mux.Vars(r)["exercise"])
	if err != nil {
		writeError(w, http.StatusBadRequest, "%s", err)
		return
	}
	names, err := s.store.List(r.Context(), exercise)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "list references: %s", err)
		return
	}
	if names == nil {
		names = []string{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"exercise": exercise, "references": names})
}

func (s *Server) handleCreateReference(w http.ResponseWriter, r *http.Request) {
	exercise, err := profiles.CanonicalExercise(mux.Vars(r)["exercise"])
	if err != nil {
		writeError(w, http.StatusBadRequest, "%s", err)
		return
	}
	if err := r.ParseMultipartForm(256 << 20); err != nil {
		writeError(w, http.StatusBadRequest, "invalid multipart form: %s", err)
		return
	}
	defer r.MultipartForm.RemoveAll()

	ws, err := core.NewWorkspace(s.cfg.DataRoot, "")
	if err != nil {
		writeError(w, http.StatusInternalServerError, "create workspace: %s", err)
		return
	}
	defer ws.Remove()

	videoPath, err := s.spoolUpload(r, "video", ws, true)
	if err != nil {
		writeError(w, http.StatusBadRequest, "%s", err)
		return
	}

	name := r.FormValue("name")
	ref, err := s.pipeline.GenerateReference(r.Context(), videoPath, exercise, r.FormValue("grip_type"), name, ws)
	if err != nil {
		writeError(w, statusForError(err), "%s", err)
		return
	}
	if err := s.store.Put(r.Context(), ref); err != nil {
		writeError(w, http.StatusInternalServerError, "store reference: %s", err)
		return
	}
	s.metrics.ReferenceStored()
	writeJSON(w, http.StatusCreated, ref)
}

// nearestReference adapts the store's similarity search to the pipeline's
// lookup hook. No stored reference for the exercise is not an error, just no
// DTW.
func (s *Server) nearestReference(exercise string) func(context.Context, []float32) (*core.Reference, error) {
	return func(ctx context.Context, centroid []float32) (*core.Reference, error) {
		refs, err := s.store.Nearest(ctx, exercise, centroid, 1)
		if err != nil {
			return nil, err
		}
		if len(refs) == 0 {
			return nil, nil
		}
		log.Debugf("server: auto reference for %s resolved to %s", exercise, refs[0].Name)
		return refs[0], nil
	}
}

// spoolUpload copies the named multipart file into the workspace, verifying
// the container extension. A missing optional part returns "".
func (s *Server) spoolUpload(r *http.Request, field string, ws *core.Workspace, required bool) (string, error) {
	file, header, err := r.FormFile(field)
	if err != nil {
		if errors.Is(err, http.ErrMissingFile) && !required {
			return "", nil
		}
		return "", fmt.Errorf("%s file is required", field)
	}
	defer file.Close()

	if !processors.SupportedVideo(header.Filename) {
		return "", fmt.Errorf("unsupported video extension %q", filepath.Ext(header.Filename))
	}

	dst := ws.Path(field + filepath.Ext(header.Filename))
	if err := copyUpload(file, dst); err != nil {
		return "", err
	}
	return dst, nil
}

func copyUpload(src multipart.File, dst string) error {
	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	defer out.Close()
	_, err = io.Copy(out, src)
	return err
}

func statusForError(err error) int {
	switch core.KindOf(err) {
	case core.KindInput:
		return http.StatusBadRequest
	case core.KindDecode, core.KindDetection:
		return http.StatusUnprocessableEntity
	case core.KindCancelled:
		return statusClientClosedRequest
	default:
		return http.StatusInternalServerError
	}
}

func analysisStatus(err error) string {
	if err == nil {
		return "ok"
	}
	return core.KindOf(err).String()
}
