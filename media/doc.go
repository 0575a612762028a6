// Package media defines the generative image capabilities consumed by the
// pipeline: image generation from a prompt with reference images, and image
// analysis into materials and steps. Provider implementations live under
// media/providers.
package media
