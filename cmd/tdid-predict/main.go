package main

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/akamensky/argparse"
	"github.com/cyclopcam/logs"
	gotdid "github.com/okieraised/go-tdid"
	"github.com/okieraised/go-tdid/config"
	gotritonclient "github.com/okieraised/go-triton-client"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/keepalive"
)

func check(err error) {
	if err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		os.Exit(1)
	}
}

func main() {
	parser := argparse.NewParser("tdid-predict", "Find target objects in a scene image")
	scenePath := parser.String("s", "scene", &argparse.Options{Help: "Scene image", Required: true})
	targetPaths := parser.String("t", "targets", &argparse.Options{Help: "Comma-separated list of target exemplar images", Required: true})
	tritonURL := parser.String("u", "url", &argparse.Options{Help: "Triton gRPC address", Required: false, Default: "localhost:8001"})
	configPath := parser.String("c", "config", &argparse.Options{Help: "YAML config file", Required: false, Default: ""})
	topK := parser.Int("k", "top", &argparse.Options{Help: "Only print the top K proposals per target (0 for all)", Required: false, Default: 0})
	outputPath := parser.String("o", "output", &argparse.Options{Help: "Output JSON file (default stdout)", Required: false, Default: ""})
	err := parser.Parse(os.Args)
	if err != nil {
		fmt.Print(parser.Usage(err))
		os.Exit(1)
	}

	logger, err := logs.NewLog()
	check(err)

	cfg := config.DefaultConfig()
	if *configPath != "" {
		cfg, err = config.LoadConfig(*configPath)
		check(err)
	}

	tritonClient, err := gotritonclient.NewTritonGRPCClient(
		*tritonURL,
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithKeepaliveParams(keepalive.ClientParameters{PermitWithoutStream: true}),
	)
	check(err)

	pipeline, err := gotdid.NewDetectionPipeline(logger, tritonClient, cfg)
	check(err)

	scene, err := os.ReadFile(*scenePath)
	check(err)
	names := make([]string, 0)
	targets := make([][]byte, 0)
	for _, p := range strings.Split(*targetPaths, ",") {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		content, err := os.ReadFile(p)
		check(err)
		names = append(names, p)
		targets = append(targets, content)
	}

	res, err := pipeline.Detect(scene, targets)
	check(err)

	if *topK > 0 {
		for _, set := range res.Targets {
			if set.Len() > *topK {
				set.Proposals = set.Proposals[:*topK]
			}
		}
	}
	for idx, set := range res.Targets {
		logger.Infof("Target %v (%v): %v proposals", idx, names[idx], set.Len())
	}

	output := os.Stdout
	if *outputPath != "" {
		output, err = os.Create(*outputPath)
		check(err)
		defer output.Close()
	}
	encoder := json.NewEncoder(output)
	encoder.SetIndent("", "  ")
	check(encoder.Encode(res))
}
