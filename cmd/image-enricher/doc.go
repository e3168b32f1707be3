// Command image-enricher registers images, generates alt text from vision
// annotations, checks uploads against safe search and renders thumbnails
// around the service's crop hints. `image-enricher serve` exposes the same
// operations over HTTP.
package main
