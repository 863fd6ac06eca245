/*
Copyright © 2021 NAME HERE <EMAIL ADDRESS>

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/
package cmd

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/gorilla/mux"
	"github.com/spf13/cobra"
	errs "github.com/tovrik/undertow/internal/errors"
	"github.com/tovrik/undertow/internal/session"
	"github.com/tovrik/undertow/pkg/metainfo"
)

var apiAddr string

type apiError struct {
	Error string `json:"error"`
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeErr(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errs.IsKind(errs.NotFound, err):
		status = http.StatusNotFound
	case errs.IsKind(errs.BadArgument, err):
		status = http.StatusBadRequest
	}

	writeJSON(w, status, apiError{Error: err.Error()})
}

// hashVar decodes the {hash} route variable
func hashVar(r *http.Request) ([20]byte, error) {
	var hash [20]byte

	raw, err := hex.DecodeString(mux.Vars(r)["hash"])
	if err != nil || len(raw) != 20 {
		return hash, errs.Wrap(errs.Newf("invalid info hash: %q", mux.Vars(r)["hash"]), errs.Op("api.hashVar"), errs.BadArgument)
	}

	copy(hash[:], raw)
	return hash, nil
}

func apiRouter(s *session.Session) *mux.Router {
	r := mux.NewRouter()

	r.HandleFunc("/api/torrents", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, s.StatAll())
	}).Methods("GET")

	r.HandleFunc("/api/torrents", func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			Location string `json:"location"`
			Files    []int  `json:"files"`
		}

		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			writeJSON(w, http.StatusBadRequest, apiError{Error: err.Error()})
			return
		}

		t, err := metainfo.Load(body.Location)
		if err != nil {
			writeErr(w, err)
			return
		}

		var opts []session.Option
		if len(body.Files) > 0 {
			opts = append(opts, session.WithFiles(body.Files...))
		}

		d, err := s.Add(t, opts...)
		if err != nil {
			writeErr(w, err)
			return
		}

		writeJSON(w, http.StatusCreated, d.Stat())
	}).Methods("POST")

	r.HandleFunc("/api/torrents/{hash}", func(w http.ResponseWriter, r *http.Request) {
		hash, err := hashVar(r)
		if err != nil {
			writeErr(w, err)
			return
		}

		stat, err := s.Stat(hash)
		if err != nil {
			writeErr(w, err)
			return
		}

		writeJSON(w, http.StatusOK, stat)
	}).Methods("GET")

	r.HandleFunc("/api/torrents/{hash}", func(w http.ResponseWriter, r *http.Request) {
		hash, err := hashVar(r)
		if err != nil {
			writeErr(w, err)
			return
		}

		deleteData := r.URL.Query().Get("deleteData") == "true"
		if err := s.Remove(hash, deleteData); err != nil {
			writeErr(w, err)
			return
		}

		w.WriteHeader(http.StatusNoContent)
	}).Methods("DELETE")

	r.HandleFunc("/api/torrents/{hash}/pause", func(w http.ResponseWriter, r *http.Request) {
		hash, err := hashVar(r)
		if err != nil {
			writeErr(w, err)
			return
		}

		if err := s.Pause(hash); err != nil {
			writeErr(w, err)
			return
		}

		w.WriteHeader(http.StatusNoContent)
	}).Methods("POST")

	r.HandleFunc("/api/torrents/{hash}/resume", func(w http.ResponseWriter, r *http.Request) {
		hash, err := hashVar(r)
		if err != nil {
			writeErr(w, err)
			return
		}

		if err := s.Resume(hash); err != nil {
			writeErr(w, err)
			return
		}

		w.WriteHeader(http.StatusNoContent)
	}).Methods("POST")

	r.HandleFunc("/api/torrents/{hash}/files", func(w http.ResponseWriter, r *http.Request) {
		hash, err := hashVar(r)
		if err != nil {
			writeErr(w, err)
			return
		}

		var body struct {
			Files []int `json:"files"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			writeJSON(w, http.StatusBadRequest, apiError{Error: err.Error()})
			return
		}

		if err := s.SetFiles(hash, body.Files); err != nil {
			writeErr(w, err)
			return
		}

		w.WriteHeader(http.StatusNoContent)
	}).Methods("POST")

	return r
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the download session behind an HTTP API",
	Run: func(cmd *cobra.Command, args []string) {
		s, err := newSession()
		if err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}

		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		fmt.Printf("Initiating session... ")
		if err := s.Init(ctx); err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
		defer s.Stop()
		fmt.Printf("done\n")

		srv := &http.Server{
			Handler:      apiRouter(s),
			Addr:         apiAddr,
			WriteTimeout: 15 * time.Second,
			ReadTimeout:  15 * time.Second,
		}

		fmt.Println("Listening on", apiAddr)
		if err := srv.ListenAndServe(); err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
	},
}

func init() {
	rootCmd.AddCommand(serveCmd)

	serveCmd.Flags().StringVar(&apiAddr, "addr", "127.0.0.1:8000", "HTTP API listen address")
}
